package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stellarlink/cfdp/pdu"
)

func TestGapTrackerMergesAndCounts(t *testing.T) {
	var g gapTracker
	g.add(0, 100)
	g.add(200, 300)
	g.add(100, 200) // closes the gap
	assert.Equal(t, uint64(300), g.received())
	assert.True(t, g.complete(300))
	assert.Empty(t, g.missing(300))
}

func TestGapTrackerDuplicatesAreHarmless(t *testing.T) {
	var g gapTracker
	g.add(0, 100)
	g.add(0, 100)
	g.add(50, 80)
	assert.Equal(t, uint64(100), g.received())
	assert.Equal(t, uint64(100), g.highest())
}

func TestGapTrackerMissing(t *testing.T) {
	tests := []struct {
		name string
		adds []pdu.Segment
		size uint64
		want []pdu.Segment
	}{
		{
			name: "nothing received",
			size: 100,
			want: []pdu.Segment{{Start: 0, End: 100}},
		},
		{
			name: "hole in the middle",
			adds: []pdu.Segment{{Start: 0, End: 10}, {Start: 20, End: 100}},
			size: 100,
			want: []pdu.Segment{{Start: 10, End: 20}},
		},
		{
			name: "missing head and tail",
			adds: []pdu.Segment{{Start: 10, End: 90}},
			size: 100,
			want: []pdu.Segment{{Start: 0, End: 10}, {Start: 90, End: 100}},
		},
		{
			name: "complete",
			adds: []pdu.Segment{{Start: 0, End: 100}},
			size: 100,
			want: nil,
		},
		{
			name: "out of order arrival",
			adds: []pdu.Segment{{Start: 50, End: 60}, {Start: 0, End: 10}, {Start: 30, End: 50}},
			size: 60,
			want: []pdu.Segment{{Start: 10, End: 30}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g gapTracker
			for _, s := range tt.adds {
				g.add(s.Start, s.End)
			}
			assert.Equal(t, tt.want, g.missing(tt.size))
			assert.Equal(t, len(tt.want) == 0, g.complete(tt.size))
		})
	}
}

func TestGapTrackerEmptyFile(t *testing.T) {
	var g gapTracker
	assert.True(t, g.complete(0))
	assert.Empty(t, g.missing(0))
}
