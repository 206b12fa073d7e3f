package asr

import "context"

// RawSegment is unnormalized adapter output. Time unit is the
// adapter's native one, documented per adapter - both bundled
// adapters emit milliseconds and the pipeline preserves the unit
// end-to-end without conversion.
type RawSegment struct {
	Sentence  string  `json:"sentence"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	SpkID     *string `json:"spk_id,omitempty"`
}

// Transcriber turns an audio file into an ordered raw segment list
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]RawSegment, error)
}
