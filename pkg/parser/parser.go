// Package parser extracts the severity level from a single log line.
//
// Parse is pure and holds no shared mutable state, so it may be called from any
// number of goroutines (or child processes) without synchronization.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"github.com/valyala/fastjson"
)

// TimestampLayout is the fixed timestamp shape of plain lines
const TimestampLayout = "2006-01-02 15:04:05"

var (
	ErrMalformedPlain = types.NewError(types.KindInput, "malformed_plain", "line does not match TIMESTAMP LEVEL MESSAGE")
	ErrMalformedJSON  = types.NewError(types.KindInput, "malformed_json", "line is not a JSON object with a string level")
	ErrUnknownMode    = types.NewError(types.KindInput, "unknown_mode", "unsupported mode")
)

var plainPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\s+([A-Z][A-Z0-9_]*)(?:\s+(.*))?$`)

var jsonParsers fastjson.ParserPool

// Parse returns the level carried by line under mode
func Parse(mode logtypes.Mode, line string) (string, error) {
	switch mode {
	case logtypes.ModePlain:
		return parsePlain(line)
	case logtypes.ModeJSONLines:
		return parseJSON(line)
	default:
		return "", ErrUnknownMode
	}
}

func parsePlain(line string) (string, error) {
	m := plainPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", ErrMalformedPlain
	}
	if _, err := time.Parse(TimestampLayout, m[1]); err != nil {
		return "", ErrMalformedPlain.Wrap(err)
	}
	if m[2] == logtypes.ErrorBucket {
		return "", ErrMalformedPlain
	}
	return m[2], nil
}

func parseJSON(line string) (string, error) {
	p := jsonParsers.Get()
	defer jsonParsers.Put(p)

	v, err := p.Parse(strings.TrimSpace(line))
	if err != nil {
		return "", ErrMalformedJSON.Wrap(err)
	}
	if v.Type() != fastjson.TypeObject {
		return "", ErrMalformedJSON
	}
	lv := v.Get("level")
	if lv == nil || lv.Type() != fastjson.TypeString {
		return "", ErrMalformedJSON
	}
	level := string(lv.GetStringBytes())
	if level == "" || level == logtypes.ErrorBucket {
		return "", ErrMalformedJSON
	}
	return level, nil
}

// FormatPlain renders a plain line that Parse maps back to level
func FormatPlain(ts time.Time, level, message string) string {
	line := ts.Format(TimestampLayout) + " " + level
	if message != "" {
		line += " " + message
	}
	return line
}
