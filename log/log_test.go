package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sagernet/sing-mitm/option"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	level, err := ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, level)
	_, err = ParseLevel("verbose")
	require.Error(t, err)
	require.Equal(t, "trace", FormatLevel(LevelTrace))
}

func TestTextFactory(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	factory, err := New(Options{
		Options: option.LogOptions{Level: "info", DisableColor: true},
		Writer:  &buffer,
	})
	require.NoError(t, err)
	logger := factory.NewLogger("mitm")
	logger.Debug("hidden")
	logger.Info("listening at ", "127.0.0.1:8080")
	require.Equal(t, 1, strings.Count(buffer.String(), "\n"))
	require.Contains(t, buffer.String(), "INFO")
	require.Contains(t, buffer.String(), "mitm: listening at 127.0.0.1:8080")
	require.NotContains(t, buffer.String(), "\x1b[")

	buffer.Reset()
	ctx := ContextWithNewID(context.Background())
	id, loaded := IDFromContext(ctx)
	require.True(t, loaded)
	logger.WarnContext(ctx, "slow")
	require.Contains(t, buffer.String(), "["+strconv.FormatUint(uint64(id.ID), 10)+" ")
	require.Contains(t, buffer.String(), "mitm: slow")
}

func TestJSONFactory(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	factory, err := New(Options{
		Options: option.LogOptions{Level: "trace", Format: "json"},
		Writer:  &buffer,
	})
	require.NoError(t, err)
	factory.NewLogger("proxy").TraceContext(ContextWithNewID(context.Background()), "event ", 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	require.Equal(t, "trace", entry["level"])
	require.Equal(t, "proxy", entry["tag"])
	require.Equal(t, "event 1", entry["msg"])
	require.Contains(t, entry, "id")
}

func TestUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Options: option.LogOptions{Format: "xml"}, Writer: &bytes.Buffer{}})
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	require.Equal(t, "15ms", formatDuration(15*time.Millisecond))
	require.Equal(t, "2m5s", formatDuration(125*time.Second))
}
