package parser

import (
	"strings"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"golang.org/x/text/unicode/norm"
)

var ErrLineTooLong = types.NewError(types.KindInput, "line_too_long", "line exceeds the maximum size")

// Normalize enforces the size cap, trims surrounding whitespace and normalizes
// UTF-8 to NFC so that equivalent lines share one fingerprint.
// maxBytes <= 0 disables the cap.
func Normalize(line string, maxBytes int) (string, error) {
	if maxBytes > 0 && len(line) > maxBytes {
		return "", ErrLineTooLong
	}
	line = strings.TrimSpace(line)
	if !norm.NFC.IsNormalString(line) {
		line = norm.NFC.String(line)
	}
	return line, nil
}
