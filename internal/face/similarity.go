package face

import (
	"fmt"
	"math"
)

// Cosine returns dot(a,b) / (||a|| * ||b||). Zero-norm vectors score 0.
func Cosine(a, b Embedding) (float64, error) {
	if !a.Comparable(b) {
		return 0, fmt.Errorf("%w: %s/%d vs %s/%d", ErrIncomparable, a.Model, len(a.Vector), b.Model, len(b.Vector))
	}
	var dot, normA, normB float64
	for i := range a.Vector {
		x := float64(a.Vector[i])
		y := float64(b.Vector[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
