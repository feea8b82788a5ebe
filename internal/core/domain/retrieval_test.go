package domain

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2}, b: []float32{2, 4}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 3}, want: 0},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, want: -1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 1}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("CosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}
