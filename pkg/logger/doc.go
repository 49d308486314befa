// Package logger provides structured logging for labelagent components.
//
// Every component holds a Logger and defaults to NoOpLogger until SetLogger is
// called. Fields are alternating key/value pairs:
//
//	log.Info("step finished", "operation", "run_plan", "step", 2, "status", 200)
//
// # Child loggers
//
// WithField, WithFields and With return loggers carrying persistent fields.
// Children share the parent's writer, so lines never interleave.
//
//	runLog := log.WithField("run_id", runID)
//	runLog.Debug("step skipped", "step", 3, "reason", "previous step had results")
//
// # Output
//
// SimpleLogger writes one line per event. The text format is
//
//	2024-01-02T15:04:05Z [INFO] step finished operation=run_plan status=200 step=2
//
// with keys sorted. The json format emits one object per line with time, level
// and msg keys alongside the fields.
//
// # Configuration
//
//   - LOG_LEVEL: minimum level (debug, info, warn, error)
//   - LOG_FORMAT: output format (text, json)
package logger
