package mediabuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeRanges_Add(t *testing.T) {
	tests := []struct {
		name     string
		initial  TimeRanges
		add      Range
		expected TimeRanges
	}{
		{"into empty", nil, Range{0, 4}, TimeRanges{{0, 4}}},
		{"adjacent merges", TimeRanges{{0, 4}}, Range{4, 8}, TimeRanges{{0, 8}}},
		{"disjoint after", TimeRanges{{0, 4}}, Range{10, 12}, TimeRanges{{0, 4}, {10, 12}}},
		{"disjoint before", TimeRanges{{10, 12}}, Range{0, 4}, TimeRanges{{0, 4}, {10, 12}}},
		{"bridges two", TimeRanges{{0, 4}, {8, 12}}, Range{3, 9}, TimeRanges{{0, 12}}},
		{"empty range ignored", TimeRanges{{0, 4}}, Range{6, 6}, TimeRanges{{0, 4}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.initial.Add(tt.add))
		})
	}
}

func TestTimeRanges_Remove(t *testing.T) {
	tr := TimeRanges{{0, 10}, {20, 30}}

	assert.Equal(t, TimeRanges{{0, 2}, {5, 10}, {20, 30}}, tr.Remove(2, 5))
	assert.Equal(t, TimeRanges{{0, 8}, {25, 30}}, tr.Remove(8, 25))
	assert.Equal(t, TimeRanges{{20, 30}}, tr.Remove(0, 10))
	assert.Equal(t, tr, tr.Remove(12, 18))
}

func TestTimeRanges_BufferGap(t *testing.T) {
	tr := TimeRanges{{0, 10}, {20, 30}}

	assert.Equal(t, 7.0, tr.BufferGap(3))
	assert.Equal(t, 0.0, tr.BufferGap(15))
	assert.Equal(t, 10.0, tr.BufferGap(20))
	// a position a hair before a range start still counts as inside
	assert.InDelta(t, 10.0, tr.BufferGap(19.995), 0.01)
}

func TestTimeRanges_Outside(t *testing.T) {
	tr := TimeRanges{{0, 10}, {20, 30}}

	assert.Equal(t, TimeRanges{{0, 5}, {25, 30}}, tr.Outside(5, 25))
	assert.Empty(t, tr.Outside(0, 30))
	assert.Equal(t, TimeRanges{{0, 10}, {20, 30}}, tr.Outside(40, 50))
}

func TestTimeRanges_Total(t *testing.T) {
	assert.Equal(t, 20.0, TimeRanges{{0, 10}, {20, 30}}.Total())
	assert.Zero(t, TimeRanges(nil).Total())
}
