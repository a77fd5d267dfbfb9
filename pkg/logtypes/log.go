package logtypes

import (
	"fmt"
	"strings"
)

// ErrorBucket is the reserved counts key for lines that failed to classify.
const ErrorBucket = "ERROR_BUCKET"

// Mode selects the line grammar
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeJSONLines Mode = "json"
)

// ParseMode maps a request mode string to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "text":
		return ModePlain, nil
	case "json", "jsonl", "json_lines":
		return ModeJSONLines, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", s)
	}
}

// LogRecord is a single input line as it moves through classification.
// It lives only for the duration of the dispatch call that created it.
type LogRecord struct {
	Mode       Mode   `json:"mode"`
	RawLine    string `json:"raw_line"`
	Level      string `json:"level,omitempty"`
	ParseError error  `json:"-"`
}

// BatchResult holds per-level counts for one batch
type BatchResult struct {
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
	Digests    []string       `json:"hashes,omitempty"`
	Incomplete int            `json:"incomplete,omitempty"`
	Partial    bool           `json:"partial,omitempty"`
}

// NewBatchResult returns an empty result sized for n lines
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{
		Counts: make(map[string]int),
		Total:  n,
	}
}

// Add folds one record into the counts. Failed records go to ErrorBucket.
func (r *BatchResult) Add(rec LogRecord) {
	if rec.ParseError != nil || rec.Level == "" {
		r.Counts[ErrorBucket]++
		return
	}
	r.Counts[rec.Level]++
}

// Classified returns the number of records folded into the counts so far
func (r *BatchResult) Classified() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}
