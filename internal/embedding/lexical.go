package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions is the vector size used when none is configured.
const DefaultDimensions = 256

// LexicalEmbedder is the reference embedder: a bag-of-words fingerprint with
// no semantic knowledge. Each word is hashed to a 32-bit integer and every
// dimension d receives sin(phase(hash+d)); contributions are summed over all
// words and the result is L2-normalised.
//
// Words sharing a hash produce identical contributions; distinct words are
// close to orthogonal, so similarity roughly tracks word overlap.
type LexicalEmbedder struct {
	dim int
}

func NewLexicalEmbedder(dim int) *LexicalEmbedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &LexicalEmbedder{dim: dim}
}

func (e *LexicalEmbedder) Dimensions() int { return e.dim }

func (e *LexicalEmbedder) Model() string {
	return fmt.Sprintf("lexical-v1-%d", e.dim)
}

// Embed never fails except on a cancelled context. Text without any word
// characters yields the zero vector.
func (e *LexicalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acc := make([]float64, e.dim)
	for _, word := range Tokenize(text) {
		h := uint64(wordHash(word))
		for d := 0; d < e.dim; d++ {
			acc[d] += math.Sin(phase(h + uint64(d)))
		}
	}

	var sum float64
	for _, x := range acc {
		sum += x * x
	}
	out := make([]float32, e.dim)
	if sum == 0 {
		return out, nil
	}
	norm := math.Sqrt(sum)
	for i, x := range acc {
		out[i] = float32(x / norm)
	}
	return out, nil
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordHash(word string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(word))
	return h.Sum32()
}

// phase spreads an integer over [0, 2π) with the splitmix64 finaliser.
func phase(x uint64) float64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return float64(x>>11) / (1 << 53) * 2 * math.Pi
}
