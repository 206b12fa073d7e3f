package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type summarizeHandler struct {
	data *ServiceData
}

type summarizeRequest struct {
	TranscriptID string `json:"transcript_id"`
}

// SummarizeResult - summarize method response in JSON
type SummarizeResult struct {
	JobID   string `json:"job_id"`
	Summary string `json:"summary"`
}

func (h summarizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		setError(w, "Can't decode request", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	if req.TranscriptID == "" {
		setError(w, "No transcript_id", http.StatusBadRequest)
		return
	}
	jobID := uuid.New().String()
	cmdapp.LogIf(h.data.Bus.SetSnapshot(&progress.Snapshot{JobID: jobID,
		Status: status.Processing, ProgressPercent: 0}))
	summary, err := h.data.Summarizer.Run(r.Context(), req.TranscriptID)
	if err != nil {
		cmdapp.LogIf(h.data.Bus.SetSnapshot(&progress.Snapshot{JobID: jobID,
			Status: status.Failed, Stage: status.StgError, Error: err.Error()}))
		setError(w, "Can not summarize", errCode(err))
		cmdapp.Log.Error(err)
		return
	}
	cmdapp.LogIf(h.data.Bus.SetSnapshot(&progress.Snapshot{JobID: jobID,
		Status: status.Success, Stage: status.StgCompleted, ProgressPercent: 100}))
	writeJSON(w, &SummarizeResult{JobID: jobID, Summary: summary})
}

type chatRequest struct {
	Question      string   `json:"question"`
	TranscriptIDs []string `json:"transcript_ids"`
}

// ChatResult - chat method response in JSON
type ChatResult struct {
	JobID  string `json:"job_id"`
	Answer string `json:"answer,omitempty"`
}

type chatHandler struct {
	data *ServiceData
}

// chat runs the full completion and returns the answer at once. The
// stream still goes through the bus so subscribed clients see it too.
func (h chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, prompt, ok := h.data.composeChat(w, r)
	if !ok {
		return
	}
	jobID := uuid.New().String()
	answer, err := h.data.Chat.Run(r.Context(), jobID, sessionID(req), req.Question, prompt)
	if err != nil {
		setError(w, "Can not chat", errCode(err))
		cmdapp.Log.Error(err)
		return
	}
	writeJSON(w, &ChatResult{JobID: jobID, Answer: answer})
}

type chatStreamHandler struct {
	data *ServiceData
}

// chatStream subscribes to the job's event channel first, then starts
// the completion, relaying events as SSE until complete or error.
func (h chatStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		setError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	req, prompt, reqOK := h.data.composeChat(w, r)
	if !reqOK {
		return
	}

	jobID := uuid.New().String()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.data.Bus.Subscribe(ctx, progress.ChatChannel(jobID))

	go func() {
		if _, err := h.data.Chat.Run(ctx, jobID, sessionID(req), req.Question, prompt); err != nil {
			cmdapp.Log.Error("Chat run failed: ", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for ev := range events {
		writeSSE(w, flusher, &ev)
		if ev.Event == "complete" || ev.Event == "error" {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *progress.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		cmdapp.Log.Error("Can't marshal event: ", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
	flusher.Flush()
}

// composeChat validates the chat request and builds the prompt
func (data *ServiceData) composeChat(w http.ResponseWriter, r *http.Request) (*chatRequest, string, bool) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		setError(w, "Can't decode request", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return nil, "", false
	}
	if strings.TrimSpace(req.Question) == "" {
		setError(w, "No question", http.StatusBadRequest)
		return nil, "", false
	}
	if len(req.TranscriptIDs) == 0 {
		setError(w, "No transcript_ids", http.StatusBadRequest)
		return nil, "", false
	}
	prompt, err := data.Composer.Compose(r.Context(), req.Question, req.TranscriptIDs)
	if err != nil {
		setError(w, "Can not compose context", errCode(err))
		cmdapp.Log.Error(err)
		return nil, "", false
	}
	return &req, prompt, true
}

type chatHistoryHandler struct {
	data *ServiceData
}

// ChatHistoryResult - chat history response in JSON
type ChatHistoryResult struct {
	TranscriptID string                    `json:"transcript_id"`
	Messages     []persistence.ChatMessage `json:"messages"`
}

func (h chatHistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msgs, err := h.data.Transcripts.GetChatMessages(id)
	if err != nil {
		setError(w, "Can not get chat history", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if msgs == nil {
		msgs = []persistence.ChatMessage{}
	}
	writeJSON(w, &ChatHistoryResult{TranscriptID: id, Messages: msgs})
}

type chatClearHandler struct {
	data *ServiceData
}

func (h chatClearHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.data.Transcripts.ClearChatMessages(id); err != nil {
		setError(w, "Can not clear chat history", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	writeJSON(w, map[string]bool{"cleared": true})
}

type docDetailsHandler struct {
	data *ServiceData
}

// DocDetailsResult - one indexed chunk with its source segments in JSON
type DocDetailsResult struct {
	DocID        string                `json:"doc_id"`
	TranscriptID string                `json:"transcript_id"`
	ChunkIndex   int                   `json:"chunk_index"`
	Content      string                `json:"content"`
	StartTime    float64               `json:"start_time"`
	EndTime      float64               `json:"end_time"`
	Segments     []persistence.Segment `json:"segments"`
}

// the chunk keeps only segment indices, the full segments come from the
// transcript store
func (h docDetailsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hit, err := h.data.Vectors.GetDoc(r.Context(), id)
	if err != nil {
		setError(w, "Can not get doc", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if hit == nil {
		setError(w, "No doc", http.StatusNotFound)
		return
	}
	res := &DocDetailsResult{DocID: hit.DocID, TranscriptID: hit.TranscriptID,
		ChunkIndex: hit.ChunkIndex, Content: hit.Content,
		StartTime: hit.StartTime, EndTime: hit.EndTime,
		Segments: []persistence.Segment{}}
	tr, err := h.data.Transcripts.Get(hit.TranscriptID)
	if err != nil {
		setError(w, "Can not get transcript", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if tr != nil {
		res.Segments = segmentsByIndex(tr.Segments, hit.SegmentIndices)
	}
	writeJSON(w, res)
}

func segmentsByIndex(segments []persistence.Segment, indices []int) []persistence.Segment {
	want := make(map[int]bool, len(indices))
	for _, i := range indices {
		want[i] = true
	}
	res := make([]persistence.Segment, 0, len(indices))
	for _, s := range segments {
		if want[s.Index] {
			res = append(res, s)
		}
	}
	return res
}

// chat history is kept per transcript, only single transcript chats
// get a persisted session
func sessionID(req *chatRequest) string {
	if len(req.TranscriptIDs) == 1 {
		return req.TranscriptIDs[0]
	}
	return ""
}

type translateHandler struct {
	data *ServiceData
}

type translateRequest struct {
	TranscriptID     string `json:"transcript_id"`
	TargetLanguage   string `json:"target_language"`
	SourceLanguage   string `json:"source_language,omitempty"`
	ForceRetranslate bool   `json:"force_retranslate,omitempty"`
}

// TranslateResult - translate method response in JSON
type TranslateResult struct {
	JobID           string `json:"job_id"`
	TranslatedCount int    `json:"translated_count"`
	TotalCount      int    `json:"total_count"`
	FailedIndices   []int  `json:"failed_indices,omitempty"`
}

// translate runs synchronously, publishing batch progress under an
// ad-hoc job id clients can poll while waiting.
func (h translateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decodeJSON(r, &req); err != nil {
		setError(w, "Can't decode request", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	if req.TranscriptID == "" || req.TargetLanguage == "" {
		setError(w, "No transcript_id or target_language", http.StatusBadRequest)
		return
	}
	tr, err := h.data.Transcripts.Get(req.TranscriptID)
	if err != nil {
		setError(w, "Can not get transcript", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if tr == nil {
		setError(w, "No transcript", http.StatusNotFound)
		return
	}

	jobID := uuid.New().String()
	res, err := h.data.Translator.Run(r.Context(), tr.Segments, req.TargetLanguage,
		req.SourceLanguage, req.ForceRetranslate, func(done, total int) {
			percent := float64(0)
			if total > 0 {
				percent = float64(done) * 100 / float64(total)
			}
			cmdapp.LogIf(h.data.Bus.SetSnapshot(&progress.Snapshot{JobID: jobID,
				Status: status.Processing, ProgressPercent: percent,
				Message: fmt.Sprintf("translated %d of %d", done, total)}))
		})
	if err != nil {
		setError(w, "Can not translate", errCode(err))
		cmdapp.Log.Error(err)
		return
	}

	if err := h.data.Transcripts.UpdateSegments(req.TranscriptID, tr.Segments); err != nil {
		setError(w, "Can not save segments", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	saveTranslationSidecar(h.data, req.TranscriptID, req.TargetLanguage, tr.Segments)

	cmdapp.LogIf(h.data.Bus.SetSnapshot(&progress.Snapshot{JobID: jobID,
		Status: status.Success, Stage: status.StgCompleted, ProgressPercent: 100}))
	writeJSON(w, &TranslateResult{JobID: jobID, TranslatedCount: res.TranslatedCount,
		TotalCount: res.TotalCount, FailedIndices: res.FailedIndices})
}

// saveTranslationSidecar rebuilds the target language sidecar from the
// merged segments, keeping other language entries intact
func saveTranslationSidecar(data *ServiceData, transcriptID, target string, segments []persistence.Segment) {
	translations, err := data.Transcripts.GetTranslations(transcriptID)
	if err != nil {
		cmdapp.Log.Error("Can't load translations: ", err)
		return
	}
	if translations == nil {
		translations = map[string][]persistence.TranslatedSegment{}
	}
	var entries []persistence.TranslatedSegment
	for _, s := range segments {
		if t := s.Translation[target]; t != "" {
			entries = append(entries, persistence.TranslatedSegment{Index: s.Index, Sentence: t})
		}
	}
	translations[target] = entries
	if err := data.Transcripts.SaveTranslations(transcriptID, translations); err != nil {
		cmdapp.Log.Error("Can't save translations: ", err)
	}
}
