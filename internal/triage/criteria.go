package triage

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

//go:embed criteria_default.txt
var defaultCriteria string

// Criteria is the rule text the judgment is made against, with its hash.
type Criteria struct {
	Text string
	Hash string
}

// NewCriteria hashes text into a Criteria.
func NewCriteria(text string) Criteria {
	sum := blake3.Sum256([]byte(text))
	return Criteria{Text: text, Hash: hex.EncodeToString(sum[:])}
}

// DefaultCriteria returns the criteria compiled into the binary.
func DefaultCriteria() Criteria {
	return NewCriteria(defaultCriteria)
}

// LoadCriteria reads criteria from path, or returns the built-in criteria
// when path is empty.
func LoadCriteria(path string) (Criteria, error) {
	if path == "" {
		return DefaultCriteria(), nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Criteria{}, fmt.Errorf("read criteria: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return Criteria{}, fmt.Errorf("criteria file %s is empty", path)
	}
	return NewCriteria(string(raw)), nil
}

// ShortHash is the hash prefix used in logs.
func (c Criteria) ShortHash() string {
	if len(c.Hash) > 12 {
		return c.Hash[:12]
	}
	return c.Hash
}
