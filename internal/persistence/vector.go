package persistence

import (
	"encoding/json"
	"fmt"
	"math"
)

// Vector is an embedding stored as a JSON float array in a TEXT column.
type Vector []float64

func marshalVector(v Vector) (string, error) {
	if len(v) == 0 {
		return "", fmt.Errorf("marshal vector: empty embedding")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal vector: %w", err)
	}
	return string(b), nil
}

func unmarshalVector(raw string) (Vector, error) {
	var v Vector
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	return v, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty, zero-length in norm, or the dimensions differ.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
