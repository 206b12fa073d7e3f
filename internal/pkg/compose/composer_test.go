package compose

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGetter struct {
	transcripts map[string]*persistence.Transcript
}

func (g *testGetter) Get(id string) (*persistence.Transcript, error) {
	return g.transcripts[id], nil
}

type testSearcher struct {
	hits []vector.SearchHit
	ids  []string
}

func (s *testSearcher) Search(_ context.Context, _ []float32, transcriptIDs []string, _ int) ([]vector.SearchHit, error) {
	s.ids = transcriptIDs
	return s.hits, nil
}

type testEmbedder struct{}

func (e *testEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	res := make([][]float32, len(texts))
	for i := range texts {
		res[i] = []float32{0.1, 0.2}
	}
	return res, nil
}

type runeCounter struct{}

func (c *runeCounter) Count(text string) int {
	return utf8.RuneCountInString(text)
}

func newTestComposer(tr map[string]*persistence.Transcript, hits []vector.SearchHit) (*Composer, *testSearcher) {
	searcher := &testSearcher{hits: hits}
	res := newComposer(&testGetter{transcripts: tr}, searcher, &testEmbedder{}, &runeCounter{})
	return res, searcher
}

func transcript(id string, sentences ...string) *persistence.Transcript {
	res := &persistence.Transcript{ID: id, AudioPath: "/data/static/" + id + ".m4a"}
	for i, s := range sentences {
		res.Segments = append(res.Segments, persistence.Segment{
			Index: i + 1, Sentence: s,
			StartTime: float64(i * 1000), EndTime: float64((i + 1) * 1000)})
	}
	return res
}

func TestCompose_SingleFullTranscript(t *testing.T) {
	c, searcher := newTestComposer(map[string]*persistence.Transcript{
		"t1": transcript("t1", "hello", "world")}, nil)
	res, err := c.Compose(context.Background(), "what is said?", []string{"t1"})
	require.Nil(t, err)
	assert.Contains(t, res, "[0-1000] hello")
	assert.Contains(t, res, "[1000-2000] world")
	assert.Contains(t, res, "Question: what is said?")
	assert.Nil(t, searcher.ids)
}

func TestCompose_RetrievalRestoresOrder(t *testing.T) {
	sentences := make([]string, 20)
	for i := range sentences {
		sentences[i] = strings.Repeat("x", 700)
	}
	tr := transcript("t1", sentences...)
	c, searcher := newTestComposer(map[string]*persistence.Transcript{"t1": tr},
		[]vector.SearchHit{
			{SegmentIndices: []int{12, 13, 14}},
			{SegmentIndices: []int{3, 4}},
		})
	c.budget = 5000
	res, err := c.Compose(context.Background(), "q", []string{"t1"})
	require.Nil(t, err)
	assert.Equal(t, []string{"t1"}, searcher.ids)
	order := []string{"[2000-3000]", "[3000-4000]", "[11000-12000]", "[12000-13000]", "[13000-14000]"}
	last := -1
	for _, ts := range order {
		pos := strings.Index(res, ts)
		require.True(t, pos > last, "timestamp %s out of order", ts)
		last = pos
	}
}

func TestCompose_MultiLabelsSources(t *testing.T) {
	c, _ := newTestComposer(map[string]*persistence.Transcript{
		"t1": transcript("t1", "pirmas"),
		"t2": transcript("t2", "antras"),
	}, nil)
	res, err := c.Compose(context.Background(), "q", []string{"t1", "t2"})
	require.Nil(t, err)
	assert.Contains(t, res, "=== Source: t1.m4a ===")
	assert.Contains(t, res, "=== Source: t2.m4a ===")
}

func TestCompose_BudgetOverflowFails(t *testing.T) {
	c, _ := newTestComposer(map[string]*persistence.Transcript{
		"t1": transcript("t1", strings.Repeat("x", 500))}, nil)
	c.budget = 100
	_, err := c.Compose(context.Background(), "q", []string{"t1"})
	require.NotNil(t, err)
	assert.Equal(t, utils.ErrInvalidInput, errors.Cause(err))
}

func TestCompose_BudgetCountsSentencesNotRendering(t *testing.T) {
	sentences := make([]string, 10)
	for i := range sentences {
		sentences[i] = "abcde"
	}
	c, _ := newTestComposer(map[string]*persistence.Transcript{
		"t1": transcript("t1", sentences...)}, nil)
	// joined sentences are 59 runes, the rendered lines with their
	// timestamp prefixes are far longer
	c.budget = 60
	res, err := c.Compose(context.Background(), "q", []string{"t1"})
	require.Nil(t, err)
	assert.Greater(t, len(res), 60)
}

func TestCompose_NoCiteInstruction(t *testing.T) {
	c, _ := newTestComposer(map[string]*persistence.Transcript{
		"t1": transcript("t1", "hello")}, nil)
	res, err := c.Compose(context.Background(), "hi", []string{"t1"})
	require.Nil(t, err)
	assert.Contains(t, res, "do not cite")
}

func TestCompose_UnknownTranscript(t *testing.T) {
	c, _ := newTestComposer(map[string]*persistence.Transcript{}, nil)
	_, err := c.Compose(context.Background(), "q", []string{"missing"})
	require.NotNil(t, err)
	assert.Equal(t, utils.ErrNotFound, errors.Cause(err))
}

func TestCompose_EmptyInput(t *testing.T) {
	c, _ := newTestComposer(map[string]*persistence.Transcript{}, nil)
	_, err := c.Compose(context.Background(), " ", []string{"t1"})
	assert.Equal(t, utils.ErrInvalidInput, errors.Cause(err))
	_, err = c.Compose(context.Background(), "q", nil)
	assert.Equal(t, utils.ErrInvalidInput, errors.Cause(err))
}
