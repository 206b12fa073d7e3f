package summarize

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

// SummaryStore persists transcript summaries
type SummaryStore interface {
	SaveSummaries(transcriptID string, summaries []persistence.Summary) error
	GetSummaries(transcriptID string) ([]persistence.Summary, error)
}

// Composer builds the prompt context of a transcript
type Composer interface {
	Compose(ctx context.Context, question string, transcriptIDs []string) (string, error)
}

// Runner produces and stores transcript summaries
type Runner struct {
	llm      llm.Requester
	composer Composer
	store    SummaryStore
}

//NewRunner creates the summary runner
func NewRunner(requester llm.Requester, composer Composer, store SummaryStore) *Runner {
	return &Runner{llm: requester, composer: composer, store: store}
}

const summaryQuestion = "Summarize the content: main themes, key points and conclusions, in the language of the transcript."

// Run summarizes one transcript and appends the result to its stored
// summaries.
func (r *Runner) Run(ctx context.Context, transcriptID string) (string, error) {
	prompt, err := r.composer.Compose(ctx, summaryQuestion, []string{transcriptID})
	if err != nil {
		return "", err
	}
	answer, err := r.llm.Complete(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", errors.Wrap(utils.ErrLLMOutput, "empty summary")
	}
	summaries, err := r.store.GetSummaries(transcriptID)
	if err != nil {
		return "", err
	}
	summaries = append(summaries, persistence.Summary{Content: answer, CreatedAt: time.Now()})
	if err := r.store.SaveSummaries(transcriptID, summaries); err != nil {
		return "", err
	}
	return answer, nil
}
