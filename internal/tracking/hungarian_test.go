package tracking

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHungarianAssign(t *testing.T) {
	tests := []struct {
		name string
		cost [][]float64
		want []int
	}{
		{"empty", nil, nil},
		{"no columns", [][]float64{{}, {}}, []int{-1, -1}},
		{"identity", [][]float64{{1, 9}, {9, 1}}, []int{0, 1}},
		{"swap beats greedy", [][]float64{{1, 2}, {2, 100}}, []int{1, 0}},
		{"more rows than columns", [][]float64{{5}, {1}, {3}}, []int{-1, 0, -1}},
		{"more columns than rows", [][]float64{{4, 1, 3}}, []int{1}},
		{"forbidden stays unassigned", [][]float64{{Forbidden, Forbidden}, {1, Forbidden}}, []int{-1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HungarianAssign(tt.cost)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("HungarianAssign mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
