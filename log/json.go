package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sagernet/sing/common"
	F "github.com/sagernet/sing/common/format"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Factory = (*jsonFactory)(nil)

// jsonFactory writes one JSON object per message through zap.
type jsonFactory struct {
	logger *zap.Logger
	file   *os.File
	level  Level
}

func NewJSONFactory(writer io.Writer, file *os.File, level Level) Factory {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	// trace has no zap level, so the level is written as a field
	encoderConfig.LevelKey = zapcore.OmitKey
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(writer), zapcore.DebugLevel)
	return &jsonFactory{
		logger: zap.New(core),
		file:   file,
		level:  level,
	}
}

func (f *jsonFactory) Level() Level {
	return f.level
}

func (f *jsonFactory) SetLevel(level Level) {
	f.level = level
}

func (f *jsonFactory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *jsonFactory) NewLogger(tag string) ContextLogger {
	return &contextLogger{f, tag}
}

func (f *jsonFactory) Close() error {
	_ = f.logger.Sync()
	return common.Close(common.PtrOrNil(f.file))
}

func (f *jsonFactory) write(ctx context.Context, level Level, tag string, args []any) {
	if level > f.level {
		return
	}
	message := F.ToString(args...)
	fields := []zap.Field{zap.String("level", FormatLevel(level))}
	if tag != "" {
		fields = append(fields, zap.String("tag", tag))
	}
	if id, hasID := IDFromContext(ctx); hasID {
		fields = append(fields, zap.Uint32("id", id.ID), zap.Duration("elapsed", time.Since(id.CreatedAt)))
	}
	f.logger.Log(zapLevel(level), message, fields...)
	exitOrPanic(level, message)
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
