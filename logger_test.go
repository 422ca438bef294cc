package waitpoint

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtLoggerLevelsAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf).WithLevel(LevelInfo)

	logger.Debug("dropped")
	WithLoggerFields(logger, map[string]any{"waitpoint_id": "waitpoint_1", "status": StatusWaiting}).
		Info("token %s", "created")
	logger.Warn("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INFO  token created status=WAITING waitpoint_id=waitpoint_1")
	assert.Contains(t, lines[1], "WARN  plain")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
	assert.Equal(t, "FATAL", LevelFatal.String())
}

func TestNilLoggersFallBack(t *testing.T) {
	assert.NotNil(t, NormalizeLogger(nil))
	assert.NotPanics(t, func() {
		var l *FmtLogger
		l.Info("nil receiver")
		WithLoggerFields(nil, map[string]any{"k": "v"}).Debug("nil logger")
	})
	assert.Equal(t, NopLogger{}, WithLoggerFields(NopLogger{}, map[string]any{"k": "v"}))
}
