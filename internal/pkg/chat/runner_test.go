package chat

import (
	"context"
	"testing"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLLM struct {
	chunks []string
	err    error
}

func (l *testLLM) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	res, err := l.CompleteStream(ctx, msgs, nil)
	return res, err
}

func (l *testLLM) CompleteStream(_ context.Context, _ []llm.Message, f llm.StreamFunc) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	var res string
	for _, c := range l.chunks {
		res += c
		if f != nil {
			if err := f(c); err != nil {
				return "", err
			}
		}
	}
	return res, nil
}

type testBus struct {
	events    []progress.Event
	snapshots []progress.Snapshot
	channels  []string
}

func (b *testBus) Publish(channel string, ev *progress.Event) error {
	b.channels = append(b.channels, channel)
	b.events = append(b.events, *ev)
	return nil
}

func (b *testBus) SetSnapshot(s *progress.Snapshot) error {
	b.snapshots = append(b.snapshots, *s)
	return nil
}

type testSessions struct {
	saved map[string][]persistence.ChatMessage
}

func (s *testSessions) GetChatMessages(id string) ([]persistence.ChatMessage, error) {
	return s.saved[id], nil
}

func (s *testSessions) SaveChatMessages(id string, msgs []persistence.ChatMessage) error {
	if s.saved == nil {
		s.saved = map[string][]persistence.ChatMessage{}
	}
	s.saved[id] = msgs
	return nil
}

func newTestRunner(l *testLLM) (*Runner, *testBus, *testSessions) {
	bus := &testBus{}
	sessions := &testSessions{}
	return NewRunner(l, sessions, bus), bus, sessions
}

func TestRun_StreamsChunks(t *testing.T) {
	r, bus, _ := newTestRunner(&testLLM{chunks: []string{"Lab", "as"}})
	res, err := r.Run(context.Background(), "j1", "t1", "q", "prompt")
	require.Nil(t, err)
	assert.Equal(t, "Labas", res)
	require.Equal(t, 3, len(bus.events))
	assert.Equal(t, "chunk", bus.events[0].Event)
	assert.Equal(t, "Lab", bus.events[0].Data["chunk"])
	assert.Equal(t, "text", bus.events[0].Data["type"])
	assert.Equal(t, "complete", bus.events[2].Event)
	assert.Equal(t, "Labas", bus.events[2].Data["final_answer"])
	assert.Equal(t, "chat_stream:j1", bus.channels[0])
}

func TestRun_ProgressMonotonic(t *testing.T) {
	chunks := make([]string, 30)
	for i := range chunks {
		chunks[i] = "0123456789012345678901234567890123456789"
	}
	r, bus, _ := newTestRunner(&testLLM{chunks: chunks})
	_, err := r.Run(context.Background(), "j1", "t1", "q", "prompt")
	require.Nil(t, err)
	last := float64(-1)
	for _, s := range bus.snapshots {
		assert.True(t, s.ProgressPercent >= last, "percent dropped: %v", s.ProgressPercent)
		last = s.ProgressPercent
	}
	final := bus.snapshots[len(bus.snapshots)-1]
	assert.Equal(t, status.Success, final.Status)
	assert.Equal(t, float64(100), final.ProgressPercent)
	assert.Equal(t, status.StgCompleted, final.Stage)
}

func TestRun_SavesSession(t *testing.T) {
	r, _, sessions := newTestRunner(&testLLM{chunks: []string{"answer"}})
	_, err := r.Run(context.Background(), "j1", "t1", "klausimas", "prompt")
	require.Nil(t, err)
	msgs := sessions.saved["t1"]
	require.Equal(t, 2, len(msgs))
	assert.Equal(t, persistence.RoleUser, msgs[0].Role)
	assert.Equal(t, "klausimas", msgs[0].Content)
	assert.Equal(t, persistence.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestRun_AppendsToExistingSession(t *testing.T) {
	r, _, sessions := newTestRunner(&testLLM{chunks: []string{"a2"}})
	sessions.saved = map[string][]persistence.ChatMessage{
		"t1": {{Role: persistence.RoleUser, Content: "q1"}}}
	_, err := r.Run(context.Background(), "j1", "t1", "q2", "prompt")
	require.Nil(t, err)
	assert.Equal(t, 3, len(sessions.saved["t1"]))
}

func TestRun_Error(t *testing.T) {
	r, bus, sessions := newTestRunner(&testLLM{err: utils.ErrLLM})
	_, err := r.Run(context.Background(), "j1", "t1", "q", "prompt")
	require.NotNil(t, err)
	require.Equal(t, 1, len(bus.events))
	assert.Equal(t, "error", bus.events[0].Event)
	final := bus.snapshots[len(bus.snapshots)-1]
	assert.Equal(t, status.Failed, final.Status)
	assert.Equal(t, status.StgError, final.Stage)
	assert.Equal(t, 0, len(sessions.saved))
}

func TestRun_NoSessionWithoutTranscript(t *testing.T) {
	r, _, sessions := newTestRunner(&testLLM{chunks: []string{"a"}})
	_, err := r.Run(context.Background(), "j1", "", "q", "prompt")
	require.Nil(t, err)
	assert.Equal(t, 0, len(sessions.saved))
}
