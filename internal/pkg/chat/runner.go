package chat

import (
	"context"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
)

// expected output length used to derive stream progress
const progressHorizonChars = 2000

// SessionStore persists chat history of a transcript
type SessionStore interface {
	GetChatMessages(transcriptID string) ([]persistence.ChatMessage, error)
	SaveChatMessages(transcriptID string, msgs []persistence.ChatMessage) error
}

// Publisher pushes stream events and progress snapshots
type Publisher interface {
	Publish(channel string, ev *progress.Event) error
	SetSnapshot(s *progress.Snapshot) error
}

// Runner streams LLM answers and fans them out to subscribers
type Runner struct {
	llm      llm.Requester
	sessions SessionStore
	bus      Publisher
}

//NewRunner creates the chat runner
func NewRunner(requester llm.Requester, sessions SessionStore, bus Publisher) *Runner {
	return &Runner{llm: requester, sessions: sessions, bus: bus}
}

// Run streams a completion for the composed prompt. Every delta is
// published as a chunk event on chat_stream:<jobID> and reflected in
// the snapshot with a non-decreasing percent. The final answer is
// appended to the transcript's chat session together with the question.
func (r *Runner) Run(ctx context.Context, jobID, transcriptID, question, prompt string) (string, error) {
	channel := progress.ChatChannel(jobID)
	r.snapshot(jobID, status.Processing, 0, "")

	written := 0
	lastPercent := float64(0)
	answer, err := r.llm.CompleteStream(ctx, []llm.Message{{Role: "user", Content: prompt}},
		func(chunk string) error {
			r.publish(channel, &progress.Event{Event: "chunk",
				Data: map[string]interface{}{"chunk": chunk, "type": "text"}})
			written += len(chunk)
			if p := streamPercent(written); p > lastPercent {
				lastPercent = p
				r.snapshot(jobID, status.Processing, p, "")
			}
			return nil
		})
	if err != nil {
		r.publish(channel, &progress.Event{Event: "error",
			Data: map[string]interface{}{"error": err.Error()}})
		r.snapshot(jobID, status.Failed, lastPercent, err.Error())
		return "", err
	}

	r.publish(channel, &progress.Event{Event: "complete",
		Data: map[string]interface{}{"final_answer": answer}})
	r.snapshot(jobID, status.Success, 100, "")

	if err := r.appendSession(transcriptID, question, answer); err != nil {
		cmdapp.Log.Error("Can't save chat session: ", err)
	}
	return answer, nil
}

func (r *Runner) appendSession(transcriptID, question, answer string) error {
	if transcriptID == "" {
		return nil
	}
	msgs, err := r.sessions.GetChatMessages(transcriptID)
	if err != nil {
		return err
	}
	now := time.Now()
	msgs = append(msgs,
		persistence.ChatMessage{Role: persistence.RoleUser, Content: question, Timestamp: now},
		persistence.ChatMessage{Role: persistence.RoleAssistant, Content: answer, Timestamp: now})
	return r.sessions.SaveChatMessages(transcriptID, msgs)
}

func (r *Runner) publish(channel string, ev *progress.Event) {
	if err := r.bus.Publish(channel, ev); err != nil {
		cmdapp.Log.Warn("Can't publish event: ", err)
	}
}

func (r *Runner) snapshot(jobID string, st string, percent float64, errMsg string) {
	s := &progress.Snapshot{JobID: jobID, Status: st, Stage: stageFor(st), ProgressPercent: percent, Error: errMsg}
	if err := r.bus.SetSnapshot(s); err != nil {
		cmdapp.Log.Warn("Can't set snapshot: ", err)
	}
}

func stageFor(st string) string {
	switch st {
	case status.Success:
		return status.StgCompleted
	case status.Failed:
		return status.StgError
	}
	return ""
}

// streamPercent maps produced chars to a percent that saturates at 99
// until the stream completes.
func streamPercent(chars int) float64 {
	p := float64(chars) * 100 / progressHorizonChars
	if p > 99 {
		p = 99
	}
	return p
}
