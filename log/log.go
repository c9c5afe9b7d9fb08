package log

import (
	"io"
	"os"
	"time"

	"github.com/sagernet/sing-mitm/option"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
)

type (
	Logger        = logger.Logger
	ContextLogger = logger.ContextLogger
)

type Factory interface {
	Level() Level
	SetLevel(level Level)
	Logger() ContextLogger
	NewLogger(tag string) ContextLogger
	Close() error
}

type Options struct {
	Options  option.LogOptions
	BaseTime time.Time
	// Writer overrides the configured output.
	Writer io.Writer
}

func New(options Options) (Factory, error) {
	logOptions := options.Options
	if logOptions.Disabled {
		return NewNOPFactory(), nil
	}
	var (
		writer io.Writer
		file   *os.File
	)
	switch {
	case options.Writer != nil:
		writer = options.Writer
	case logOptions.Output == "", logOptions.Output == "stderr":
		writer = os.Stderr
	case logOptions.Output == "stdout":
		writer = os.Stdout
	default:
		var err error
		file, err = os.OpenFile(logOptions.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, E.Cause(err, "open log output")
		}
		writer = file
	}
	level := LevelInfo
	if logOptions.Level != "" {
		var err error
		level, err = ParseLevel(logOptions.Level)
		if err != nil {
			return nil, err
		}
	}
	switch logOptions.Format {
	case "", "text":
		return NewTextFactory(Formatter{
			BaseTime:         options.BaseTime,
			DisableColors:    logOptions.DisableColor || file != nil,
			DisableTimestamp: !logOptions.Timestamp && logOptions.Output != "",
			FullTimestamp:    logOptions.Timestamp,
		}, writer, file, level), nil
	case "json":
		return NewJSONFactory(writer, file, level), nil
	default:
		if file != nil {
			file.Close()
		}
		return nil, E.New("unknown log format: ", logOptions.Format)
	}
}
