package utils

import "github.com/pkg/errors"

// Domain level error kinds. Stages wrap these, the orchestrator and the
// HTTP layer inspect them with errors.Cause to decide on retry/response code.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("not found")
	ErrDuplicateMediaMissing = errors.New("duplicate media not found on disk")
	ErrDownloadFailed        = errors.New("download failed")
	ErrUnsupportedSource     = errors.New("unsupported source")
	ErrAudioExtraction       = errors.New("audio extraction failed")
	ErrASRUnavailable        = errors.New("asr backend unavailable")
	ErrASRTimeout            = errors.New("asr timeout")
	ErrASRParse              = errors.New("asr parse failed")
	ErrEmbedding             = errors.New("embedding failed")
	ErrLLM                   = errors.New("llm failed")
	ErrLLMOutput             = errors.New("llm output malformed")
	ErrPersistence           = errors.New("persistence failed")
)

//IsPermanent indicates the error must not be retried by the task executor
func IsPermanent(err error) bool {
	c := errors.Cause(err)
	for _, pe := range []error{ErrInvalidInput, ErrNotFound, ErrUnsupportedSource,
		ErrLLMOutput, ErrASRParse, ErrDuplicateMediaMissing} {
		if c == pe {
			return true
		}
	}
	return false
}
