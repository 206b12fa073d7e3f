package summarize

import (
	"context"
	"testing"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLLM struct {
	answer string
	err    error
}

func (l *testLLM) Complete(_ context.Context, _ []llm.Message) (string, error) {
	return l.answer, l.err
}

func (l *testLLM) CompleteStream(ctx context.Context, msgs []llm.Message, _ llm.StreamFunc) (string, error) {
	return l.Complete(ctx, msgs)
}

type testComposer struct {
	prompt string
	err    error
	ids    []string
}

func (c *testComposer) Compose(_ context.Context, _ string, ids []string) (string, error) {
	c.ids = ids
	return c.prompt, c.err
}

type testStore struct {
	saved map[string][]persistence.Summary
}

func (s *testStore) GetSummaries(id string) ([]persistence.Summary, error) {
	return s.saved[id], nil
}

func (s *testStore) SaveSummaries(id string, summaries []persistence.Summary) error {
	if s.saved == nil {
		s.saved = map[string][]persistence.Summary{}
	}
	s.saved[id] = summaries
	return nil
}

func TestRun(t *testing.T) {
	composer := &testComposer{prompt: "context"}
	store := &testStore{}
	r := NewRunner(&testLLM{answer: "santrauka"}, composer, store)
	res, err := r.Run(context.Background(), "t1")
	require.Nil(t, err)
	assert.Equal(t, "santrauka", res)
	assert.Equal(t, []string{"t1"}, composer.ids)
	require.Equal(t, 1, len(store.saved["t1"]))
	assert.Equal(t, "santrauka", store.saved["t1"][0].Content)
}

func TestRun_AppendsToSummaries(t *testing.T) {
	store := &testStore{saved: map[string][]persistence.Summary{
		"t1": {{Content: "old"}}}}
	r := NewRunner(&testLLM{answer: "new"}, &testComposer{prompt: "p"}, store)
	_, err := r.Run(context.Background(), "t1")
	require.Nil(t, err)
	require.Equal(t, 2, len(store.saved["t1"]))
	assert.Equal(t, "new", store.saved["t1"][1].Content)
}

func TestRun_EmptySummaryFails(t *testing.T) {
	r := NewRunner(&testLLM{answer: "  "}, &testComposer{prompt: "p"}, &testStore{})
	_, err := r.Run(context.Background(), "t1")
	require.NotNil(t, err)
	assert.Equal(t, utils.ErrLLMOutput, errors.Cause(err))
}

func TestRun_ComposeFails(t *testing.T) {
	r := NewRunner(&testLLM{answer: "a"}, &testComposer{err: utils.ErrNotFound}, &testStore{})
	_, err := r.Run(context.Background(), "t1")
	assert.Equal(t, utils.ErrNotFound, errors.Cause(err))
}
