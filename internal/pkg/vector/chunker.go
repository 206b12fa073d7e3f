package vector

import (
	"fmt"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
)

// Chunk is one indexable piece of a transcript
type Chunk struct {
	DocID          string
	TranscriptID   string
	ChunkIndex     int
	Content        string
	SegmentIndices []int
	StartTime      float64
	EndTime        float64
}

const chunkCharLimit = 2000

// DocID builds the primary key for a chunk row
func DocID(transcriptID string, chunkIndex int) string {
	return fmt.Sprintf("%s_chunk_%d", transcriptID, chunkIndex)
}

// SplitSegments groups consecutive segments into chunks of at most
// chunkCharLimit characters of joined text. A single segment longer
// than the limit becomes a chunk by itself. Segment indices within a
// chunk are always contiguous.
func SplitSegments(transcriptID string, segments []persistence.Segment) []Chunk {
	res := make([]Chunk, 0)
	var cur []persistence.Segment
	curLen := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		res = append(res, newChunk(transcriptID, len(res), cur))
		cur, curLen = nil, 0
	}
	for _, s := range segments {
		// normalized segments are never blank, but if one slips in it
		// ends the current chunk so indices inside a chunk stay contiguous
		if strings.TrimSpace(s.Sentence) == "" {
			flush()
			continue
		}
		add := len(s.Sentence)
		if curLen > 0 {
			add++ // joining space
		}
		if curLen > 0 && curLen+add > chunkCharLimit {
			flush()
			add = len(s.Sentence)
		}
		cur = append(cur, s)
		curLen += add
	}
	flush()
	return res
}

func newChunk(transcriptID string, chunkIndex int, segments []persistence.Segment) Chunk {
	texts := make([]string, 0, len(segments))
	indices := make([]int, 0, len(segments))
	for _, s := range segments {
		texts = append(texts, s.Sentence)
		indices = append(indices, s.Index)
	}
	return Chunk{
		DocID:          DocID(transcriptID, chunkIndex),
		TranscriptID:   transcriptID,
		ChunkIndex:     chunkIndex,
		Content:        strings.Join(texts, " "),
		SegmentIndices: indices,
		StartTime:      segments[0].StartTime,
		EndTime:        segments[len(segments)-1].EndTime,
	}
}
