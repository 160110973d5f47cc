package command

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// Cockpit command labels, in decode order.
const (
	Altitude = "Altitude"
	Heading  = "Heading"
	Mayday   = "Mayday"
	Roger    = "Roger"
	Tower    = "Tower"
	Wind     = "Wind"
)

// Vocabulary is an ordered, immutable set of distinct command labels.
type Vocabulary struct {
	labels []string
}

// DefaultVocabulary returns the fixed six-command cockpit vocabulary.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{labels: []string{Altitude, Heading, Mayday, Roger, Tower, Wind}}
}

// NewVocabulary validates labels and copies them.
func NewVocabulary(labels ...string) (Vocabulary, error) {
	if len(labels) == 0 {
		return Vocabulary{}, fmt.Errorf("vocabulary is empty: %w", errdefs.ErrDecode)
	}
	seen := make(map[string]struct{}, len(labels))
	for i, label := range labels {
		if strings.TrimSpace(label) == "" {
			return Vocabulary{}, fmt.Errorf("vocabulary label %d is blank: %w", i, errdefs.ErrDecode)
		}
		if _, ok := seen[label]; ok {
			return Vocabulary{}, fmt.Errorf("vocabulary label %q repeated: %w", label, errdefs.ErrDecode)
		}
		seen[label] = struct{}{}
	}
	return Vocabulary{labels: append([]string(nil), labels...)}, nil
}

func (v Vocabulary) Len() int { return len(v.labels) }

// Labels returns a copy of the labels.
func (v Vocabulary) Labels() []string {
	return append([]string(nil), v.labels...)
}

// Index returns the position of label, or -1.
func (v Vocabulary) Index(label string) int {
	for i, l := range v.labels {
		if l == label {
			return i
		}
	}
	return -1
}

// Decode maps logits onto this vocabulary.
func (v Vocabulary) Decode(logits []float32) (string, error) {
	return Decode(logits, v.labels)
}
