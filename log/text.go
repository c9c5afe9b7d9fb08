package log

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sagernet/sing/common"
	F "github.com/sagernet/sing/common/format"
)

var _ Factory = (*textFactory)(nil)

type textFactory struct {
	formatter Formatter
	access    sync.Mutex
	writer    io.Writer
	file      *os.File
	level     Level
}

func NewTextFactory(formatter Formatter, writer io.Writer, file *os.File, level Level) Factory {
	return &textFactory{
		formatter: formatter,
		writer:    writer,
		file:      file,
		level:     level,
	}
}

func (f *textFactory) Level() Level {
	return f.level
}

func (f *textFactory) SetLevel(level Level) {
	f.level = level
}

func (f *textFactory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *textFactory) NewLogger(tag string) ContextLogger {
	return &contextLogger{f, tag}
}

func (f *textFactory) Close() error {
	return common.Close(common.PtrOrNil(f.file))
}

func (f *textFactory) write(ctx context.Context, level Level, tag string, args []any) {
	if level > f.level {
		return
	}
	message := f.formatter.Format(ctx, level, tag, F.ToString(args...), time.Now())
	f.access.Lock()
	_, _ = io.WriteString(f.writer, message)
	f.access.Unlock()
	exitOrPanic(level, message)
}

func exitOrPanic(level Level, message string) {
	switch level {
	case LevelPanic:
		panic(message)
	case LevelFatal:
		os.Exit(1)
	}
}

type logWriter interface {
	write(ctx context.Context, level Level, tag string, args []any)
}

var _ ContextLogger = (*contextLogger)(nil)

type contextLogger struct {
	factory logWriter
	tag     string
}

func (l *contextLogger) Trace(args ...any) {
	l.TraceContext(context.Background(), args...)
}

func (l *contextLogger) Debug(args ...any) {
	l.DebugContext(context.Background(), args...)
}

func (l *contextLogger) Info(args ...any) {
	l.InfoContext(context.Background(), args...)
}

func (l *contextLogger) Warn(args ...any) {
	l.WarnContext(context.Background(), args...)
}

func (l *contextLogger) Error(args ...any) {
	l.ErrorContext(context.Background(), args...)
}

func (l *contextLogger) Fatal(args ...any) {
	l.FatalContext(context.Background(), args...)
}

func (l *contextLogger) Panic(args ...any) {
	l.PanicContext(context.Background(), args...)
}

func (l *contextLogger) TraceContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelTrace, l.tag, args)
}

func (l *contextLogger) DebugContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelDebug, l.tag, args)
}

func (l *contextLogger) InfoContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelInfo, l.tag, args)
}

func (l *contextLogger) WarnContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelWarn, l.tag, args)
}

func (l *contextLogger) ErrorContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelError, l.tag, args)
}

func (l *contextLogger) FatalContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelFatal, l.tag, args)
}

func (l *contextLogger) PanicContext(ctx context.Context, args ...any) {
	l.factory.write(ctx, LevelPanic, l.tag, args)
}
