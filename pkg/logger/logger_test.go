package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/labelagent/pkg/logger"
)

func TestSimpleLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewSimpleLogger(logger.WithWriter(&buf))

	log.Info("step finished", "step", 2, "operation", "run_plan")

	line := buf.String()
	assert.Contains(t, line, "[INFO] step finished")
	assert.Contains(t, line, "operation=run_plan step=2")
}

func TestSimpleLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewSimpleLogger(logger.WithWriter(&buf), logger.WithFormat("JSON"))

	log.Error("invoke failed", "error", errors.New("boom"), "step", 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "invoke failed", entry["msg"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(1), entry["step"])
}

func TestSimpleLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  []string
	}{
		{"Debug", "debug", []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{"Info", "info", []string{"INFO", "WARN", "ERROR"}},
		{"Warn", "warn", []string{"WARN", "ERROR"}},
		{"Error", "error", []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.NewSimpleLogger(logger.WithWriter(&buf))
			log.SetLevel(tt.level)

			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			require.Len(t, lines, len(tt.want))
			for i, lvl := range tt.want {
				assert.Contains(t, lines[i], "["+lvl+"]")
			}
		})
	}
}

func TestSimpleLogger_ChildFields(t *testing.T) {
	var buf bytes.Buffer
	parent := logger.NewSimpleLogger(logger.WithWriter(&buf))

	child := parent.With(logger.Field{Key: "run_id", Value: "r1"}).WithField("attempt", 2)
	child.Info("escalating")
	parent.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "attempt=2 run_id=r1")
	assert.NotContains(t, lines[1], "run_id")
}

func TestSimpleLogger_OddFields(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewSimpleLogger(logger.WithWriter(&buf))

	log.Warn("dangling", "key", "value", "orphan")

	assert.Contains(t, buf.String(), "_extra=orphan")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logger.DebugLevel, logger.ParseLevel("DEBUG"))
	assert.Equal(t, logger.WarnLevel, logger.ParseLevel("warning"))
	assert.Equal(t, logger.InfoLevel, logger.ParseLevel("verbose"))
	assert.Equal(t, "ERROR", logger.ErrorLevel.String())
}

func TestGetLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, "INFO", logger.GetLogLevel())

	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, "debug", logger.GetLogLevel())
}

func TestOrNoOp(t *testing.T) {
	l := logger.OrNoOp(nil)
	assert.IsType(t, logger.NoOpLogger{}, l)
	assert.NotPanics(t, func() {
		l.WithField("k", "v").Info("ignored")
	})
}
