package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultTopK        = 5
	defaultTokenBudget = 12000
	tokenEncoding      = "cl100k_base"
)

// TranscriptGetter loads transcripts by id
type TranscriptGetter interface {
	Get(id string) (*persistence.Transcript, error)
}

// Searcher finds the closest chunks for an embedded query
type Searcher interface {
	Search(ctx context.Context, embedding []float32, transcriptIDs []string, limit int) ([]vector.SearchHit, error)
}

// TokenCounter counts model tokens of a text
type TokenCounter interface {
	Count(text string) int
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Composer builds the prompt context for retrieval augmented chat
type Composer struct {
	transcripts TranscriptGetter
	searcher    Searcher
	embedder    vector.Embedder
	counter     TokenCounter
	topK        int
	budget      int
}

//NewComposer creates the composer with default retrieval settings
func NewComposer(transcripts TranscriptGetter, searcher Searcher, embedder vector.Embedder) (*Composer, error) {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		return nil, errors.Wrap(err, "Can't init token counter")
	}
	return newComposer(transcripts, searcher, embedder, &bpeCounter{enc: enc}), nil
}

func newComposer(transcripts TranscriptGetter, searcher Searcher, embedder vector.Embedder, counter TokenCounter) *Composer {
	return &Composer{transcripts: transcripts, searcher: searcher, embedder: embedder,
		counter: counter, topK: defaultTopK, budget: defaultTokenBudget}
}

// Compose picks a retrieval strategy for the question and returns the
// full prompt string. Exceeding the token budget after retrieval is an
// error, not a truncation.
func (c *Composer) Compose(ctx context.Context, question string, transcriptIDs []string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errors.Wrap(utils.ErrInvalidInput, "empty question")
	}
	if len(transcriptIDs) == 0 {
		return "", errors.Wrap(utils.ErrInvalidInput, "no transcripts selected")
	}
	if len(transcriptIDs) == 1 {
		return c.composeSingle(ctx, question, transcriptIDs[0])
	}
	return c.composeMulti(ctx, question, transcriptIDs)
}

func (c *Composer) composeSingle(ctx context.Context, question, id string) (string, error) {
	tr, err := c.transcripts.Get(id)
	if err != nil {
		return "", err
	}
	if tr == nil {
		return "", errors.Wrapf(utils.ErrNotFound, "no transcript %s", id)
	}
	segments := tr.Segments
	if c.CountTokens(joinSentences(segments)) > c.budget {
		segments, err = c.retrieve(ctx, question, tr)
		if err != nil {
			return "", err
		}
	}
	if err := c.checkBudget(segments); err != nil {
		return "", err
	}
	return c.prompt(question, renderSegments(segments)), nil
}

func (c *Composer) composeMulti(ctx context.Context, question string, ids []string) (string, error) {
	var parts []string
	var all []persistence.Segment
	for _, id := range ids {
		tr, err := c.transcripts.Get(id)
		if err != nil {
			return "", err
		}
		if tr == nil {
			return "", errors.Wrapf(utils.ErrNotFound, "no transcript %s", id)
		}
		segments := tr.Segments
		if c.CountTokens(joinSentences(segments)) > c.budget/len(ids) {
			segments, err = c.retrieve(ctx, question, tr)
			if err != nil {
				return "", err
			}
		}
		parts = append(parts, fmt.Sprintf("=== Source: %s ===\n%s",
			filepath.Base(tr.AudioPath), renderSegments(segments)))
		all = append(all, segments...)
	}
	if err := c.checkBudget(all); err != nil {
		return "", err
	}
	return c.prompt(question, strings.Join(parts, "\n\n")), nil
}

// retrieve vector-searches within one transcript and reassembles the
// hit segments in narrative order.
func (c *Composer) retrieve(ctx context.Context, question string, tr *persistence.Transcript) ([]persistence.Segment, error) {
	embeddings, err := c.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, err
	}
	hits, err := c.searcher.Search(ctx, embeddings[0], []string{tr.ID}, c.topK)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]persistence.Segment, len(tr.Segments))
	for _, s := range tr.Segments {
		byIndex[s.Index] = s
	}
	picked := make(map[int]bool)
	res := make([]persistence.Segment, 0)
	for _, h := range hits {
		for _, idx := range h.SegmentIndices {
			if picked[idx] {
				continue
			}
			if s, ok := byIndex[idx]; ok {
				res = append(res, s)
				picked[idx] = true
			}
		}
	}
	if len(res) == 0 {
		return nil, errors.Wrapf(utils.ErrInvalidInput,
			"transcript %s exceeds the context budget and retrieval found nothing", tr.ID)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res, nil
}

// CountTokens counts BPE tokens of a text
func (c *Composer) CountTokens(text string) int {
	return c.counter.Count(text)
}

// checkBudget counts tokens of the concatenated sentence texts, the
// rendered decorations (timestamps, speaker labels) are not charged
func (c *Composer) checkBudget(segments []persistence.Segment) error {
	if n := c.CountTokens(joinSentences(segments)); n > c.budget {
		return errors.Wrapf(utils.ErrInvalidInput, "context of %d tokens exceeds budget of %d", n, c.budget)
	}
	return nil
}

func (c *Composer) prompt(question, body string) string {
	var sb strings.Builder
	sb.WriteString("You are answering questions about the following transcript content.\n")
	sb.WriteString("Every line is prefixed with its [start-end] timestamp in milliseconds.\n")
	sb.WriteString("When your answer refers to transcript content, cite the relevant timestamps.\n")
	sb.WriteString("If the question is small talk and not about the content, answer directly and do not cite timestamps.\n\n")
	sb.WriteString(body)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func renderSegments(segments []persistence.Segment) string {
	lines := make([]string, 0, len(segments))
	for _, s := range segments {
		spk := ""
		if s.SpkID != nil {
			spk = fmt.Sprintf(" Speaker %s:", *s.SpkID)
		}
		lines = append(lines, fmt.Sprintf("[%.0f-%.0f]%s %s", s.StartTime, s.EndTime, spk, s.Sentence))
	}
	return strings.Join(lines, "\n")
}

func joinSentences(segments []persistence.Segment) string {
	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		texts = append(texts, s.Sentence)
	}
	return strings.Join(texts, " ")
}
