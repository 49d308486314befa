package labelagent

// Version information, overridden at build time with -ldflags
var (
	// Version is the release version
	Version = "development"

	// PlanSchemaVersion is the plan document contract version
	PlanSchemaVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
