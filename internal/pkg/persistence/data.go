package persistence

import (
	"time"
)

// Job result map keys. Stages write their outputs under these keys,
// the orchestrator treats a populated key as "stage already done".
const (
	ResAudioPath    = "audio_path"
	ResVideoPath    = "video_path"
	ResBasename     = "basename"
	ResStaticURL    = "static_url"
	ResSource       = "source"
	ResMediaType    = "media_type"
	ResTitle        = "title"
	ResDuration     = "duration"
	ResTranscriptID = "transcript_id"
	ResChunkCount   = "chunk_count"
)

// Media types of a transcript
const (
	MediaAudio = "audio"
	MediaVideo = "video"
	MediaBoth  = "both"
)

type (
	// Job is a durable unit of work driving one media item through the pipeline
	Job struct {
		ID             int64                  `bson:"ID" json:"id"`
		URL            string                 `bson:"url" json:"url"`
		Status         string                 `bson:"status" json:"status"`
		CreatedAt      time.Time              `bson:"createdAt" json:"created_at"`
		StartedAt      *time.Time             `bson:"startedAt,omitempty" json:"started_at,omitempty"`
		FinishedAt     *time.Time             `bson:"finishedAt,omitempty" json:"finished_at,omitempty"`
		Result         map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
		Error          string                 `bson:"error,omitempty" json:"error,omitempty"`
		ExternalTaskID string                 `bson:"externalTaskID,omitempty" json:"external_task_id,omitempty"`
	}

	// Segment is a sentence level ASR output with timing and optional speaker.
	// Time unit is the producing adapter's native one, milliseconds for both
	// bundled adapters, preserved end-to-end.
	Segment struct {
		Index       int               `bson:"index" json:"index"`
		Sentence    string            `bson:"sentence" json:"sentence"`
		StartTime   float64           `bson:"startTime" json:"start_time"`
		EndTime     float64           `bson:"endTime" json:"end_time"`
		SpkID       *string           `bson:"spkID,omitempty" json:"spk_id,omitempty"`
		Translation map[string]string `bson:"translation,omitempty" json:"translation,omitempty"`
	}

	// Transcript owns its segments. Segments are immutable once saved,
	// except for additive translation fields. Sidecars are whole-value replaced.
	Transcript struct {
		ID        string    `bson:"ID" json:"id"`
		AudioPath string    `bson:"audioPath" json:"audio_path"`
		VideoPath string    `bson:"videoPath,omitempty" json:"video_path,omitempty"`
		MediaType string    `bson:"mediaType" json:"media_type"`
		Segments  []Segment `bson:"segments" json:"segments"`
		CreatedAt time.Time `bson:"createdAt" json:"created_at"`
		UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`

		Summaries    []Summary                      `bson:"summaries,omitempty" json:"summaries,omitempty"`
		Translations map[string][]TranslatedSegment `bson:"translations,omitempty" json:"translations,omitempty"`
		ChatMessages []ChatMessage                  `bson:"chatMessages,omitempty" json:"chat_messages,omitempty"`
	}

	// TranscriptMeta is a transcript row without segments, for listing
	TranscriptMeta struct {
		ID        string    `bson:"ID" json:"id"`
		AudioPath string    `bson:"audioPath" json:"audio_path"`
		VideoPath string    `bson:"videoPath,omitempty" json:"video_path,omitempty"`
		MediaType string    `bson:"mediaType" json:"media_type"`
		CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	}

	// Summary is a generated transcript summary sidecar entry
	Summary struct {
		Model     string    `bson:"model,omitempty" json:"model,omitempty"`
		Content   string    `bson:"content" json:"content"`
		CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	}

	// TranslatedSegment mirrors a segment index in a target language
	TranslatedSegment struct {
		Index    int    `bson:"index" json:"index"`
		Sentence string `bson:"sentence" json:"sentence"`
	}

	// ChatMessage belongs to a transcript chat session.
	// Role is coerced to user/assistant at persistence.
	ChatMessage struct {
		Role      string    `bson:"role" json:"type"`
		Content   string    `bson:"content" json:"content"`
		Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	}
)

//ResultString reads a string field from the job result map
func ResultString(result map[string]interface{}, key string) string {
	if result == nil {
		return ""
	}
	if v, ok := result[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
