package logger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/types"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("bogus"))
}

func TestFileOutputWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "edge.log")

	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level: "debug",
		Config: map[string]interface{}{
			"format": "json",
			"output": "file",
			"file":   path,
		},
	})
	require.NoError(t, err)

	l.Info("partition opened", zap.String("partition", "indicai-static-v1.3.6"))
	require.NoError(t, l.(*ZapWrapper).Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"partition":"indicai-static-v1.3.6"`)
}

func TestEnsureLogDirRejectsBareName(t *testing.T) {
	assert.ErrorIs(t, ensureLogDir("edge.log"), types.ErrLogFileWrongFormat)
	assert.ErrorIs(t, ensureLogDir(""), types.ErrLogFileIsEmpty)
}

func TestErrorWithErrStackPrintsFrames(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := NewZapWrapper(zap.New(core))
	var stack bytes.Buffer
	w.stack = &stack

	w.ErrorWithErrStack("boom", errors.New("origin unreachable"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "origin unreachable", logs.All()[0].ContextMap()["error"])
	assert.Contains(t, stack.String(), "ERROR STACK TRACE")
	assert.Contains(t, stack.String(), "TestErrorWithErrStackPrintsFrames")
}

func TestManagerUnknownType(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Logger.Type = "syslog"
	cm, err := config.NewStaticManager(context.Background(), cfg)
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm)
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)

	RegisterLogger("syslog", func(interface{}) (types.Logger, error) { return NewNop(), nil })
	defer delete(customLoggerCreators, "syslog")

	m, err := NewManager(context.Background(), cm)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Stop())
}

func TestSamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "edge.log")

	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level: "info",
		Config: map[string]interface{}{
			"format":   "json",
			"output":   "file",
			"file":     path,
			"sampling": map[string]interface{}{"initial": 2, "thereafter": 0},
		},
	}, zap.String("service", "sai-edge"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		l.Info("request served")
	}
	require.NoError(t, l.(*ZapWrapper).Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("request served")))
	assert.Contains(t, string(data), `"service":"sai-edge"`)
}
