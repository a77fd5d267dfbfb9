package dispatch

import (
	"context"

	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/parser"
)

// ResultCache is what the classifier needs from the result cache
type ResultCache interface {
	Lookup(ctx context.Context, mode logtypes.Mode, line string) (string, bool)
	Store(ctx context.Context, mode logtypes.Mode, line, level string)
}

// ParseFunc extracts the level of one line
type ParseFunc func(mode logtypes.Mode, line string) (string, error)

// Classifier resolves one line through the result cache, parsing on a miss
type Classifier struct {
	cache        ResultCache
	parse        ParseFunc
	maxLineBytes int
}

// NewClassifier returns a classifier backed by cache. A nil cache disables caching.
func NewClassifier(cache ResultCache, maxLineBytes int) *Classifier {
	return &Classifier{
		cache:        cache,
		parse:        parser.Parse,
		maxLineBytes: maxLineBytes,
	}
}

// ClassifyOne returns the level of line. Lines that fail to parse are never cached.
func (c *Classifier) ClassifyOne(ctx context.Context, mode logtypes.Mode, line string) (string, error) {
	line, err := parser.Normalize(line, c.maxLineBytes)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		if level, ok := c.cache.Lookup(ctx, mode, line); ok {
			return level, nil
		}
	}

	level, err := c.parse(mode, line)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		c.cache.Store(ctx, mode, line, level)
	}
	return level, nil
}
