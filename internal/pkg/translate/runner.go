package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

const (
	batchSentenceTarget = 10
	batchTokenCeiling   = 2000
	retryGroupSize      = 5
	tokenEncoding       = "cl100k_base"
)

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

// ProgressFunc is called after each finished batch
type ProgressFunc func(translatedCount, totalCount int)

// Result sums up one translation run
type Result struct {
	TranslatedCount int   `json:"translated_count"`
	TotalCount      int   `json:"total_count"`
	FailedIndices   []int `json:"failed_indices,omitempty"`
}

// Runner translates segments in index-preserving batches
type Runner struct {
	llm     llm.Requester
	counter TokenCounter
}

//NewRunner creates the translation runner
func NewRunner(requester llm.Requester) (*Runner, error) {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		return nil, errors.Wrap(err, "Can't init token counter")
	}
	return newRunner(requester, &bpeCounter{enc: enc}), nil
}

func newRunner(requester llm.Requester, counter TokenCounter) *Runner {
	return &Runner{llm: requester, counter: counter}
}

// Run translates the segments into target in place. When force is off
// only segments still missing the target language are sent. Indices
// the model fails to return are retried in groups of up to five, and
// any that remain untranslated are reported in the result without
// failing the run.
func (r *Runner) Run(ctx context.Context, segments []persistence.Segment, target, source string,
	force bool, progress ProgressFunc) (*Result, error) {
	if target == "" {
		return nil, errors.Wrap(utils.ErrInvalidInput, "no target language")
	}
	selected := r.selectSegments(segments, target, force)
	res := &Result{TotalCount: len(selected)}
	if len(selected) == 0 {
		return res, nil
	}

	byIndex := make(map[int]*persistence.Segment, len(segments))
	for i := range segments {
		byIndex[segments[i].Index] = &segments[i]
	}

	var failed []int
	for _, batch := range r.makeBatches(selected) {
		got, err := r.translateBatch(ctx, batch, target, source)
		if err != nil {
			return nil, err
		}
		missing := r.merge(byIndex, batch, got, target)
		failed = append(failed, missing...)
		res.TranslatedCount += len(batch) - len(missing)
		if progress != nil {
			progress(res.TranslatedCount, res.TotalCount)
		}
	}

	for _, group := range groupIndices(failed, retryGroupSize) {
		batch := make([]persistence.Segment, 0, len(group))
		for _, idx := range group {
			batch = append(batch, *byIndex[idx])
		}
		got, err := r.translateBatch(ctx, batch, target, source)
		if err != nil {
			cmdapp.Log.Warn("Retry batch failed: ", err)
			res.FailedIndices = append(res.FailedIndices, group...)
			continue
		}
		missing := r.merge(byIndex, batch, got, target)
		res.FailedIndices = append(res.FailedIndices, missing...)
		res.TranslatedCount += len(batch) - len(missing)
		if progress != nil {
			progress(res.TranslatedCount, res.TotalCount)
		}
	}
	return res, nil
}

func (r *Runner) selectSegments(segments []persistence.Segment, target string, force bool) []persistence.Segment {
	res := make([]persistence.Segment, 0, len(segments))
	for _, s := range segments {
		if !force {
			if t, ok := s.Translation[target]; ok && t != "" {
				continue
			}
		}
		res = append(res, s)
	}
	return res
}

// makeBatches partitions by a sentence target and an estimated output
// token ceiling. Estimation per sentence is tokens*1.5+20.
func (r *Runner) makeBatches(segments []persistence.Segment) [][]persistence.Segment {
	var res [][]persistence.Segment
	var cur []persistence.Segment
	est := 0.0
	for _, s := range segments {
		add := float64(r.counter.Count(s.Sentence))*1.5 + 20
		if len(cur) > 0 && (len(cur) >= batchSentenceTarget || est+add > batchTokenCeiling) {
			res = append(res, cur)
			cur, est = nil, 0
		}
		cur = append(cur, s)
		est += add
	}
	if len(cur) > 0 {
		res = append(res, cur)
	}
	return res
}

func (r *Runner) translateBatch(ctx context.Context, batch []persistence.Segment, target, source string) (map[int]string, error) {
	raw, err := r.llm.Complete(ctx, []llm.Message{{Role: "user", Content: buildPrompt(batch, target, source)}})
	if err != nil {
		return nil, err
	}
	return parseTranslations(raw)
}

// merge writes translations back for the requested indices, keeping
// other language entries. Extra indices are dropped with a warning,
// empty translations count as missing. Returns the missing indices.
func (r *Runner) merge(byIndex map[int]*persistence.Segment, batch []persistence.Segment,
	got map[int]string, target string) []int {
	requested := make(map[int]bool, len(batch))
	for _, s := range batch {
		requested[s.Index] = true
	}
	for idx, text := range got {
		if !requested[idx] {
			cmdapp.Log.Warnf("Dropping unrequested index %d", idx)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		s := byIndex[idx]
		if s.Translation == nil {
			s.Translation = map[string]string{}
		}
		s.Translation[target] = text
	}
	var missing []int
	for _, s := range batch {
		seg := byIndex[s.Index]
		if seg.Translation[target] == "" {
			missing = append(missing, s.Index)
		}
	}
	return missing
}

func buildPrompt(batch []persistence.Segment, target, source string) string {
	var sb strings.Builder
	if source != "" {
		fmt.Fprintf(&sb, "Translate the following sentences from %s to %s.\n", source, target)
	} else {
		fmt.Fprintf(&sb, "Translate the following sentences to %s.\n", target)
	}
	sb.WriteString("Respond with only a JSON array of objects {\"index\": <number>, \"translation\": <string>},\n")
	sb.WriteString("one object per input sentence, keeping every index.\n\n")
	for _, s := range batch {
		fmt.Fprintf(&sb, "%d: %s\n", s.Index, s.Sentence)
	}
	return sb.String()
}

type translationItem struct {
	Index       int    `json:"index"`
	Translation string `json:"translation"`
}

// parseTranslations extracts the JSON array from a model response that
// may wrap it in code fences, prose or a translation_content: preamble.
func parseTranslations(raw string) (map[int]string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "translation_content:"); i >= 0 {
		s = s[i+len("translation_content:"):]
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return nil, errors.Wrapf(utils.ErrLLMOutput, "no JSON array in response: %s", utils.TrimForLog(raw))
	}
	var items []translationItem
	if err := json.Unmarshal([]byte(s[start:end+1]), &items); err != nil {
		return nil, errors.Wrap(utils.ErrLLMOutput, err.Error())
	}
	res := make(map[int]string, len(items))
	for _, it := range items {
		res[it.Index] = it.Translation
	}
	return res, nil
}

func groupIndices(indices []int, size int) [][]int {
	var res [][]int
	for len(indices) > 0 {
		n := size
		if n > len(indices) {
			n = len(indices)
		}
		res = append(res, indices[:n])
		indices = indices[n:]
	}
	return res
}
