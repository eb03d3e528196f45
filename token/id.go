package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPrefix = "utext"
	stampLayout   = "20060102_150405"
	maxAttempts   = 32
)

// IDGenerator mints <prefix>_<YYYYMMDD>_<HHMMSS>_<3 hex> identifiers.
type IDGenerator struct {
	Prefix string
	Now    func() time.Time
	// Rand returns at least three lowercase hex characters.
	Rand func() string
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Next returns a fresh id for which taken reports false.
func (g *IDGenerator) Next(taken func(id string) (bool, error)) (string, error) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	now, rnd := g.Now, g.Rand
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = randomHex
	}
	stamp := now().Format(stampLayout)
	for i := 0; i < maxAttempts; i++ {
		h := rnd()
		if len(h) < 3 {
			return "", fmt.Errorf("random source returned %q", h)
		}
		id := fmt.Sprintf("%s_%s_%s", prefix, stamp, h[:3])
		used, err := taken(id)
		if err != nil {
			return "", err
		}
		if !used {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free id after %d attempts at %s", maxAttempts, stamp)
}
