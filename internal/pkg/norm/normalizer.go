package norm

import (
	"strings"
	"unicode/utf8"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/asr"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

// Options selects the merge rules
type Options struct {
	MergeByPunctuation bool
	MergeShort         bool
}

//DefaultOptions enables both merge rules
func DefaultOptions() Options {
	return Options{MergeByPunctuation: true, MergeShort: true}
}

const shortSentenceLimit = 4

var mergePunct = map[rune]bool{
	'，': true, '；': true, '：': true, '、': true,
	',': true, ';': true, ':': true,
}

// Normalize applies the deterministic post-processing pass: merging by
// trailing punctuation, absorbing short fragments, then 1-based
// reindexing in emission order. The pass is single and greedy, a merge
// never consumes more than two inputs and never crosses a speaker
// change. When both rules could fire, punctuation merging wins.
func Normalize(in []asr.RawSegment, opts Options) ([]persistence.Segment, error) {
	for i, s := range in {
		if strings.TrimSpace(s.Sentence) == "" {
			return nil, errors.Wrapf(utils.ErrInvalidInput, "segment %d has empty sentence", i)
		}
	}

	res := make([]persistence.Segment, 0, len(in))
	i := 0
	for i < len(in) {
		cur := in[i]
		if i+1 < len(in) && mergeable(cur, in[i+1]) {
			nxt := in[i+1]
			if opts.MergeByPunctuation && endsWithMergePunct(cur.Sentence) {
				res = append(res, merged(cur, nxt, ""))
				i += 2
				continue
			}
			if opts.MergeShort && utf8.RuneCountInString(strings.TrimSpace(cur.Sentence)) < shortSentenceLimit {
				res = append(res, merged(cur, nxt, " "))
				i += 2
				continue
			}
		}
		res = append(res, toSegment(cur))
		i++
	}

	for i := range res {
		res[i].Index = i + 1
	}
	return res, nil
}

func mergeable(cur, nxt asr.RawSegment) bool {
	return sameSpeaker(cur.SpkID, nxt.SpkID) && strings.TrimSpace(nxt.Sentence) != ""
}

func sameSpeaker(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func endsWithMergePunct(s string) bool {
	r, size := utf8.DecodeLastRuneInString(strings.TrimSpace(s))
	if size == 0 {
		return false
	}
	return mergePunct[r]
}

func merged(cur, nxt asr.RawSegment, sep string) persistence.Segment {
	res := toSegment(cur)
	res.Sentence = cur.Sentence + sep + nxt.Sentence
	res.EndTime = nxt.EndTime
	return res
}

func toSegment(s asr.RawSegment) persistence.Segment {
	return persistence.Segment{
		Sentence:  s.Sentence,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		SpkID:     s.SpkID,
	}
}
