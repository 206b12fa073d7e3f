package vector

import (
	"strings"
	"testing"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(i int, s string, st, et float64) persistence.Segment {
	return persistence.Segment{Index: i, Sentence: s, StartTime: st, EndTime: et}
}

func TestSplitSegments_Single(t *testing.T) {
	res := SplitSegments("tr1", []persistence.Segment{
		seg(1, "hello", 0, 500),
		seg(2, "world", 500, 1000),
	})
	require.Equal(t, 1, len(res))
	assert.Equal(t, "tr1_chunk_0", res[0].DocID)
	assert.Equal(t, "hello world", res[0].Content)
	assert.Equal(t, []int{1, 2}, res[0].SegmentIndices)
	assert.Equal(t, float64(0), res[0].StartTime)
	assert.Equal(t, float64(1000), res[0].EndTime)
}

func TestSplitSegments_BreaksAtLimit(t *testing.T) {
	long := strings.Repeat("a", 1200)
	res := SplitSegments("tr1", []persistence.Segment{
		seg(1, long, 0, 1000),
		seg(2, long, 1000, 2000),
		seg(3, "tail", 2000, 3000),
	})
	require.Equal(t, 2, len(res))
	assert.Equal(t, []int{1}, res[0].SegmentIndices)
	assert.Equal(t, []int{2, 3}, res[1].SegmentIndices)
	assert.Equal(t, 1, res[1].ChunkIndex)
	assert.Equal(t, "tr1_chunk_1", res[1].DocID)
}

func TestSplitSegments_OversizedSegmentAlone(t *testing.T) {
	huge := strings.Repeat("b", 2500)
	res := SplitSegments("tr1", []persistence.Segment{
		seg(1, "start", 0, 100),
		seg(2, huge, 100, 200),
		seg(3, "end", 200, 300),
	})
	require.Equal(t, 3, len(res))
	assert.Equal(t, huge, res[1].Content)
}

func TestSplitSegments_BlankEndsChunk(t *testing.T) {
	res := SplitSegments("tr1", []persistence.Segment{
		seg(1, "a", 0, 100),
		seg(2, "   ", 100, 200),
		seg(3, "b", 200, 300),
	})
	require.Equal(t, 2, len(res))
	assert.Equal(t, "a", res[0].Content)
	assert.Equal(t, []int{1}, res[0].SegmentIndices)
	assert.Equal(t, "b", res[1].Content)
	assert.Equal(t, []int{3}, res[1].SegmentIndices)
}

func TestSplitSegments_IndicesContiguous(t *testing.T) {
	long := strings.Repeat("c", 900)
	res := SplitSegments("tr1", []persistence.Segment{
		seg(1, long, 0, 100), seg(2, long, 100, 200), seg(3, long, 200, 300),
		seg(4, long, 300, 400), seg(5, long, 400, 500),
	})
	for _, c := range res {
		for i := 1; i < len(c.SegmentIndices); i++ {
			assert.Equal(t, c.SegmentIndices[i-1]+1, c.SegmentIndices[i])
		}
	}
}

func TestSplitSegments_Empty(t *testing.T) {
	res := SplitSegments("tr1", nil)
	assert.Equal(t, 0, len(res))
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "abc_chunk_7", DocID("abc", 7))
}
