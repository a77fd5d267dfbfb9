// Package worker runs classification in isolated child processes.
//
// The coordinator and each child share nothing but a pipe pair: requests are
// written as one JSON object per line on the child's stdin and responses are
// read the same way from its stdout. A child handles one request at a time.
package worker

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/parser"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
)

const (
	// Command is the first argument that puts the binary in child mode
	Command = "digest-worker"
	// EnvRounds carries the digest round count to the child
	EnvRounds = "CLASSIFIER_DIGEST_ROUNDS"

	defaultRounds = 20000
)

// Request is one unit of work sent to a child
type Request struct {
	ID   uint64        `json:"id"`
	Mode logtypes.Mode `json:"mode"`
	Line string        `json:"line"`
}

// Response is the child's answer to a Request with the same ID
type Response struct {
	ID        uint64 `json:"id"`
	Level     string `json:"level,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Digest    string `json:"digest"`
}

// Digest is a deliberately slow hash: rounds iterations of sha256(line || previous)
func Digest(line string, rounds int) string {
	data := []byte(line)
	buf := make([]byte, 0, len(data)+sha256.Size)
	var sum []byte
	for i := 0; i < rounds; i++ {
		buf = append(append(buf[:0], data...), sum...)
		h := sha256.Sum256(buf)
		sum = h[:]
	}
	return hex.EncodeToString(sum)
}

// Handle computes the response for one request
func Handle(req Request, rounds int) Response {
	resp := Response{ID: req.ID, Digest: Digest(req.Line, rounds)}
	level, err := parser.Parse(req.Mode, req.Line)
	if err != nil {
		resp.ErrorCode = types.CodeOf(err)
		return resp
	}
	resp.Level = level
	return resp
}

// Serve answers requests from r on w until r is exhausted
func Serve(r io.Reader, w io.Writer, rounds int) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	enc := json.NewEncoder(w)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := enc.Encode(Handle(req, rounds)); err != nil {
			return err
		}
	}
}

// Main is the child process entry point. It returns the process exit code.
func Main() int {
	rounds := defaultRounds
	if v, err := strconv.Atoi(os.Getenv(EnvRounds)); err == nil && v > 0 {
		rounds = v
	}
	if err := Serve(os.Stdin, os.Stdout, rounds); err != nil {
		_, _ = os.Stderr.WriteString(Command + ": " + err.Error() + "\n")
		return 1
	}
	return 0
}

var parseErrors = map[string]error{
	parser.ErrMalformedPlain.Code: parser.ErrMalformedPlain,
	parser.ErrMalformedJSON.Code:  parser.ErrMalformedJSON,
	parser.ErrUnknownMode.Code:    parser.ErrUnknownMode,
	parser.ErrLineTooLong.Code:    parser.ErrLineTooLong,
}

// Err maps the response error code back to the parser error it came from
func (r Response) Err() error {
	if r.ErrorCode == "" {
		return nil
	}
	if err, ok := parseErrors[r.ErrorCode]; ok {
		return err
	}
	return types.NewError(types.KindInput, r.ErrorCode, "worker rejected line")
}
