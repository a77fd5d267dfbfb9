package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlain(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		level   string
		wantErr bool
	}{
		{name: "info", line: "2026-01-30 12:01:05 INFO a", level: "INFO"},
		{name: "error", line: "2026-01-30 12:01:06 ERROR b", level: "ERROR"},
		{name: "free form level", line: "2026-01-30 12:01:06 NOTICE disk at 80%", level: "NOTICE"},
		{name: "extra spaces", line: "2026-01-30 12:01:06   WARN   spaced out", level: "WARN"},
		{name: "no message", line: "2026-01-30 12:01:06 DEBUG", level: "DEBUG"},
		{name: "trailing carriage return", line: "2026-01-30 12:01:06 INFO ok\r", level: "INFO"},
		{name: "bad line", line: "bad line", wantErr: true},
		{name: "empty", line: "", wantErr: true},
		{name: "lowercase level", line: "2026-01-30 12:01:06 info a", wantErr: true},
		{name: "impossible month", line: "2026-13-30 12:01:06 INFO a", wantErr: true},
		{name: "iso timestamp", line: "2026-01-30T12:01:06 INFO a", wantErr: true},
		{name: "reserved bucket name", line: "2026-01-30 12:01:06 ERROR_BUCKET a", wantErr: true},
		{name: "missing level", line: "2026-01-30 12:01:06", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := Parse(logtypes.ModePlain, tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedPlain))
				assert.Equal(t, types.KindInput, types.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		level   string
		wantErr bool
	}{
		{name: "level only", line: `{"level":"INFO"}`, level: "INFO"},
		{name: "with fields", line: `{"ts":"2026-01-30","level":"warning","msg":"x","n":3}`, level: "warning"},
		{name: "surrounding space", line: "  {\"level\":\"ERROR\"}  ", level: "ERROR"},
		{name: "invalid json", line: `{"level":`, wantErr: true},
		{name: "missing level", line: `{"msg":"x"}`, wantErr: true},
		{name: "numeric level", line: `{"level":3}`, wantErr: true},
		{name: "empty level", line: `{"level":""}`, wantErr: true},
		{name: "array", line: `[{"level":"INFO"}]`, wantErr: true},
		{name: "plain text", line: "2026-01-30 12:01:05 INFO a", wantErr: true},
		{name: "two objects", line: `{"level":"INFO"}{"level":"INFO"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := Parse(logtypes.ModeJSONLines, tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedJSON))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestParseUnknownMode(t *testing.T) {
	_, err := Parse(logtypes.Mode("xml"), "<x/>")
	assert.True(t, errors.Is(err, ErrUnknownMode))
}

func TestPlainRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 30, 12, 1, 5, 0, time.UTC)
	for _, level := range []string{"INFO", "WARNING", "ERROR", "CRITICAL", "TRACE2", "X_Y"} {
		for _, msg := range []string{"", "a", "multi word message with 3 numbers", "{\"json\":true}"} {
			line := FormatPlain(ts, level, msg)
			got, err := Parse(logtypes.ModePlain, line)
			require.NoError(t, err, line)
			assert.Equal(t, level, got, line)
		}
	}
}

func TestParseNeverPanics(t *testing.T) {
	inputs := []string{
		"", " ", "\x00", "{", "}", "[]", "null", "\"level\"",
		strings.Repeat("9", 4096),
		"2026-01-30 12:01:05 ",
		"\xff\xfe invalid utf8",
		`{"level":"` + strings.Repeat("A", 1024) + `"}`,
	}
	for _, in := range inputs {
		for _, mode := range []logtypes.Mode{logtypes.ModePlain, logtypes.ModeJSONLines} {
			assert.NotPanics(t, func() { _, _ = Parse(mode, in) })
		}
	}
}

func TestNormalize(t *testing.T) {
	// "é" as e + combining acute accent normalizes to the precomposed rune
	decomposed := "2026-01-30 12:01:05 INFO cafe\u0301"
	got, err := Normalize("  "+decomposed+"\n", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-30 12:01:05 INFO caf\u00e9", got)

	_, err = Normalize(strings.Repeat("x", 11), 10)
	assert.True(t, errors.Is(err, ErrLineTooLong))

	got, err = Normalize("short", 10)
	require.NoError(t, err)
	assert.Equal(t, "short", got)
}
