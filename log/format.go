package log

import (
	"context"
	"strconv"
	"strings"
	"time"

	F "github.com/sagernet/sing/common/format"

	"github.com/logrusorgru/aurora"
)

type Formatter struct {
	BaseTime         time.Time
	DisableColors    bool
	DisableTimestamp bool
	FullTimestamp    bool
	TimestampFormat  string
}

func (f Formatter) Format(ctx context.Context, level Level, tag string, message string, timestamp time.Time) string {
	colors := aurora.NewAurora(!f.DisableColors)
	levelString := strings.ToUpper(FormatLevel(level))
	switch level {
	case LevelDebug, LevelTrace:
		levelString = colors.White(levelString).String()
	case LevelInfo:
		levelString = colors.Cyan(levelString).String()
	case LevelWarn:
		levelString = colors.Yellow(levelString).String()
	case LevelError, LevelFatal, LevelPanic:
		levelString = colors.Red(levelString).String()
	}
	if tag != "" {
		message = tag + ": " + message
	}
	if id, hasID := IDFromContext(ctx); hasID {
		idString := colors.Index(uint8(16+id.ID%216), strconv.FormatUint(uint64(id.ID), 10)).String()
		message = F.ToString("[", idString, " ", formatDuration(time.Since(id.CreatedAt)), "] ", message)
	}
	switch {
	case f.DisableTimestamp:
		message = levelString + " " + message
	case f.FullTimestamp:
		timestampFormat := f.TimestampFormat
		if timestampFormat == "" {
			timestampFormat = "-0700 2006-01-02 15:04:05"
		}
		message = timestamp.Format(timestampFormat) + " " + levelString + " " + message
	default:
		message = levelString + "[" + xd(int(timestamp.Sub(f.BaseTime)/time.Second), 4) + "] " + message
	}
	if message[len(message)-1] != '\n' {
		message += "\n"
	}
	return message
}

func xd(value int, x int) string {
	message := strconv.Itoa(value)
	for len(message) < x {
		message = "0" + message
	}
	return message
}

func formatDuration(duration time.Duration) string {
	if duration < time.Second {
		return F.ToString(duration.Milliseconds(), "ms")
	} else if duration < time.Minute {
		return F.ToString(int64(duration.Seconds()), ".", int64(duration.Seconds()*100)%100, "s")
	} else {
		return F.ToString(int64(duration.Minutes()), "m", int64(duration.Seconds())%60, "s")
	}
}
