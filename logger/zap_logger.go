package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

// ZapLoggerConfig is decoded from logger.config. Sampling keeps the data
// plane from flooding the output at debug level: within each second the
// first Initial entries with the same message are written, then every
// Thereafter-th.
type ZapLoggerConfig struct {
	Level    string          `yaml:"level" json:"level"`
	Format   string          `yaml:"format" json:"format"`
	Output   string          `yaml:"output" json:"output"`
	File     string          `yaml:"file" json:"file"`
	Sampling *SamplingConfig `yaml:"sampling" json:"sampling"`
}

type SamplingConfig struct {
	Initial    int `yaml:"initial" json:"initial"`
	Thereafter int `yaml:"thereafter" json:"thereafter"`
}

// NewDefaultLogger builds the zap logger. Fields are attached to every entry.
func NewDefaultLogger(config *types.LoggerConfig, fields ...zap.Field) (types.Logger, error) {
	lConfig := &ZapLoggerConfig{
		Format: "console",
		Output: "stdout",
		Level:  config.Level,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, lConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	core, err := buildCore(lConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	l := NewZapWrapper(zap.New(core, zap.AddCaller(), zap.Fields(fields...)))

	l.Debug("Logger initialized",
		zap.String("level", lConfig.Level),
		zap.String("format", lConfig.Format),
		zap.String("output", lConfig.Output),
		zap.Bool("sampling", lConfig.Sampling != nil))

	return l, nil
}

func buildCore(config *ZapLoggerConfig) (zapcore.Core, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeCaller = ideCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	out, errOut, err := openOutputs(config)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(parseLogLevel(config.Level))

	// Warnings and errors also reach errOut when it differs from out.
	core := zapcore.NewCore(encoder, out, level)
	if errOut != out {
		core = zapcore.NewTee(core, zapcore.NewCore(encoder, errOut, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapcore.WarnLevel && level.Enabled(l)
		})))
	}

	if sampling := config.Sampling; sampling != nil && sampling.Initial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, sampling.Initial, sampling.Thereafter)
	}

	return core, nil
}

func openOutputs(config *ZapLoggerConfig) (zapcore.WriteSyncer, zapcore.WriteSyncer, error) {
	switch config.Output {
	case "stderr":
		stderr := zapcore.Lock(os.Stderr)
		return stderr, stderr, nil
	case "file":
		if config.File == "" {
			return zapcore.Lock(os.Stdout), zapcore.Lock(os.Stdout), nil
		}
		if err := ensureLogDir(config.File); err != nil {
			return nil, nil, err
		}
		sink, _, err := zap.Open(config.File)
		if err != nil {
			return nil, nil, types.WrapError(err, "failed to open log file")
		}
		return sink, sink, nil
	default:
		stdout := zapcore.Lock(os.Stdout)
		return stdout, stdout, nil
	}
}

func ideCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(fmt.Sprintf("%s:%d", caller.File, caller.Line))
}

func parseLogLevel(level string) zapcore.Level {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		if strings.EqualFold(level, "warning") {
			return zapcore.WarnLevel
		}
		return zapcore.InfoLevel
	}
	return parsed
}

func ensureLogDir(logFile string) error {
	if logFile == "" {
		return types.ErrLogFileIsEmpty
	}

	dir := filepath.Dir(logFile)
	if dir == "." && !strings.ContainsRune(logFile, filepath.Separator) {
		return types.ErrLogFileWrongFormat
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.WrapError(err, "access denied to log directory")
	}

	return nil
}

// ZapWrapper adapts *zap.Logger to types.Logger. Calls arrive through the
// logger Manager, so two frames are skipped for caller reporting.
type ZapWrapper struct {
	Logger  *zap.Logger
	skipped *zap.Logger
	stack   io.Writer
}

func NewZapWrapper(logger *zap.Logger) *ZapWrapper {
	return &ZapWrapper{
		Logger:  logger,
		skipped: logger.WithOptions(zap.AddCallerSkip(2)),
		stack:   os.Stderr,
	}
}

// NewNop is a silent logger for tests and disabled components.
func NewNop() *ZapWrapper {
	return NewZapWrapper(zap.NewNop())
}

func (z *ZapWrapper) Sync() error {
	return z.Logger.Sync()
}

func (z *ZapWrapper) Error(msg string, fields ...zap.Field) {
	z.skipped.Error(msg, fields...)
}

func (z *ZapWrapper) Warn(msg string, fields ...zap.Field) {
	z.skipped.Warn(msg, fields...)
}

func (z *ZapWrapper) Info(msg string, fields ...zap.Field) {
	z.skipped.Info(msg, fields...)
}

func (z *ZapWrapper) Debug(msg string, fields ...zap.Field) {
	z.skipped.Debug(msg, fields...)
}

func (z *ZapWrapper) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	z.skipped.Log(lvl, msg, fields...)
}

func (z *ZapWrapper) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		z.Error(msg, fields...)
		return
	}

	allFields := make([]zap.Field, 0, len(fields)+1)
	allFields = append(allFields, zap.String("error", errors.Cause(err).Error()))
	allFields = append(allFields, fields...)

	z.skipped.Error(msg, allFields...)

	if stackStr := extractStackFromError(err); stackStr != "" {
		z.logPrettyStack(stackStr)
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func extractStackFromError(err error) string {
	if err == nil {
		return ""
	}

	stack := fmt.Sprintf("%+v", err)

	if st, ok := err.(stackTracer); ok {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}

	err = errors.Cause(err)
	if st, ok := err.(stackTracer); ok {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}

	return stack
}

func (z *ZapWrapper) logPrettyStack(stackStr string) {
	lines := strings.Split(stackStr, "\n")

	_, _ = fmt.Fprintln(z.stack, "ERROR STACK TRACE")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.Contains(line, "types.NewError") ||
			strings.Contains(line, "types.NewErrorf") ||
			strings.Contains(line, "types.WrapError") ||
			strings.Contains(line, "types/errors.go:") ||
			strings.Contains(line, "runtime.goexit") ||
			strings.Contains(line, "asm_amd64.s:") ||
			strings.Contains(line, "panic") {
			continue
		}

		displayLine := line
		if len(line) > 90 {
			displayLine = line[:87] + "..."
		}

		_, _ = fmt.Fprintf(z.stack, "%-95s\n", displayLine)
	}
}
