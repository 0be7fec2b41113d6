package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashModel is a deterministic, dependency-free embedding model based on
// signed feature hashing of word unigrams and bigrams. Texts sharing words
// land near each other, which is enough for offline indexing and tests.
type HashModel struct {
	name     string
	revision string
	dims     int
}

// NewHashModel creates a hash model producing dims-length vectors.
func NewHashModel(name, revision string, dims int) *HashModel {
	return &HashModel{name: name, revision: revision, dims: dims}
}

func (m *HashModel) ID() string { return modelKey(m.name, m.revision) }

func (m *HashModel) Dims() int { return m.dims }

// Embed returns raw, unnormalized feature vectors. Text without any word
// characters yields a zero vector.
func (m *HashModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.embedOne(text)
	}
	return out, nil
}

func (m *HashModel) embedOne(text string) []float32 {
	v := make([]float32, m.dims)
	if m.dims == 0 {
		return v
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		m.add(v, w, 1)
		if i > 0 {
			m.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return v
}

func (m *HashModel) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(m.revision))
	h.Write([]byte{0})
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := sum % uint64(m.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
