package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/saver"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJobs struct {
	jobs      map[int64]*persistence.Job
	nextID    int64
	duplicate *persistence.Job
	renamed   int64
}

func (j *testJobs) Create(url string) (int64, error) {
	j.nextID++
	if j.jobs == nil {
		j.jobs = map[int64]*persistence.Job{}
	}
	j.jobs[j.nextID] = &persistence.Job{ID: j.nextID, URL: url, Status: status.Pending}
	return j.nextID, nil
}

func (j *testJobs) Get(id int64) (*persistence.Job, error) { return j.jobs[id], nil }

func (j *testJobs) List(_ string, _, _ int64) ([]persistence.Job, error) {
	res := make([]persistence.Job, 0)
	for _, job := range j.jobs {
		res = append(res, *job)
	}
	return res, nil
}

func (j *testJobs) CheckDuplicate(_ string) (*persistence.Job, error) { return j.duplicate, nil }

func (j *testJobs) RenameResultPaths(_, _ string) (int64, error) {
	j.renamed++
	return j.renamed, nil
}

type testTranscripts struct {
	transcripts map[string]*persistence.Transcript
	updatedPath int64
	updateErr   error
	deleted     []string
	segments    []persistence.Segment
	translatons map[string][]persistence.TranslatedSegment
	chatMsgs    map[string][]persistence.ChatMessage
}

func (t *testTranscripts) Get(id string) (*persistence.Transcript, error) {
	return t.transcripts[id], nil
}

func (t *testTranscripts) ListMeta(_, _ int64) ([]persistence.TranscriptMeta, error) {
	res := make([]persistence.TranscriptMeta, 0)
	for _, tr := range t.transcripts {
		res = append(res, persistence.TranscriptMeta{ID: tr.ID, AudioPath: tr.AudioPath})
	}
	return res, nil
}

func (t *testTranscripts) Count() (int64, error) { return int64(len(t.transcripts)), nil }

func (t *testTranscripts) UpdateSegments(_ string, segments []persistence.Segment) error {
	t.segments = segments
	return nil
}

func (t *testTranscripts) UpdateAudioPath(_, _ string) (int64, error) {
	t.updatedPath++
	return t.updatedPath, t.updateErr
}

func (t *testTranscripts) Delete(id string) (bool, error) {
	t.deleted = append(t.deleted, id)
	_, found := t.transcripts[id]
	delete(t.transcripts, id)
	return found, nil
}

func (t *testTranscripts) GetSummaries(_ string) ([]persistence.Summary, error) { return nil, nil }

func (t *testTranscripts) GetTranslations(_ string) (map[string][]persistence.TranslatedSegment, error) {
	return t.translatons, nil
}

func (t *testTranscripts) SaveTranslations(_ string, tr map[string][]persistence.TranslatedSegment) error {
	t.translatons = tr
	return nil
}

func (t *testTranscripts) GetChatMessages(id string) ([]persistence.ChatMessage, error) {
	return t.chatMsgs[id], nil
}

func (t *testTranscripts) SaveChatMessages(id string, msgs []persistence.ChatMessage) error {
	if t.chatMsgs == nil {
		t.chatMsgs = map[string][]persistence.ChatMessage{}
	}
	t.chatMsgs[id] = msgs
	return nil
}

func (t *testTranscripts) ClearChatMessages(id string) error {
	delete(t.chatMsgs, id)
	return nil
}

type testVectors struct {
	dropped []string
	docs    map[string]*vector.SearchHit
}

func (v *testVectors) DeleteByTranscript(_ context.Context, id string) (int64, error) {
	v.dropped = append(v.dropped, id)
	return 2, nil
}

func (v *testVectors) GetDoc(_ context.Context, docID string) (*vector.SearchHit, error) {
	return v.docs[docID], nil
}

type testBus struct {
	snapshots map[string]*progress.Snapshot
	events    chan progress.Event
}

func (b *testBus) GetSnapshot(jobID string) (*progress.Snapshot, error) {
	if s, found := b.snapshots[jobID]; found {
		return s, nil
	}
	return &progress.Snapshot{JobID: jobID, Status: status.Idle}, nil
}

func (b *testBus) SetSnapshot(s *progress.Snapshot) error {
	if b.snapshots == nil {
		b.snapshots = map[string]*progress.Snapshot{}
	}
	b.snapshots[s.JobID] = s
	return nil
}

func (b *testBus) Publish(_ string, _ *progress.Event) error { return nil }

func (b *testBus) Subscribe(_ context.Context, _ string) <-chan progress.Event {
	return b.events
}

type testComposer struct{ prompt string }

func (c *testComposer) Compose(_ context.Context, _ string, _ []string) (string, error) {
	return c.prompt, nil
}

type testChat struct{ answer string }

func (c *testChat) Run(_ context.Context, _, _, _, _ string) (string, error) {
	return c.answer, nil
}

type testSummarizer struct{ summary string }

func (s *testSummarizer) Run(_ context.Context, _ string) (string, error) {
	return s.summary, nil
}

type testTranslator struct {
	res *TranslateProgress
}

func (t *testTranslator) Run(_ context.Context, segments []persistence.Segment, target, _ string,
	_ bool, progress func(done, total int)) (*TranslateProgress, error) {
	for i := range segments {
		if segments[i].Translation == nil {
			segments[i].Translation = map[string]string{}
		}
		segments[i].Translation[target] = "tr-" + segments[i].Sentence
	}
	if progress != nil {
		progress(len(segments), len(segments))
	}
	if t.res != nil {
		return t.res, nil
	}
	return &TranslateProgress{TranslatedCount: len(segments), TotalCount: len(segments)}, nil
}

func newTestData(t *testing.T) *ServiceData {
	fs, err := saver.NewLocalFileSaver(t.TempDir())
	require.Nil(t, err)
	return &ServiceData{
		Jobs:        &testJobs{},
		Transcripts: &testTranscripts{transcripts: map[string]*persistence.Transcript{}},
		Vectors:     &testVectors{},
		Bus:         &testBus{},
		Composer:    &testComposer{prompt: "ctx"},
		Chat:        &testChat{answer: "atsakymas"},
		Summarizer:  &testSummarizer{summary: "santrauka"},
		Translator:  &testTranslator{},
		FileSaver:   fs,
		Port:        8000,
	}
}

func invoke(data *ServiceData, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	NewRouter(data).ServeHTTP(resp, req)
	return resp
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	data, err := json.Marshal(v)
	require.Nil(t, err)
	return bytes.NewBuffer(data)
}

func TestUpload(t *testing.T) {
	data := newTestData(t)
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", "test file.mp3")
	require.Nil(t, err)
	fw.Write([]byte("audio"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var res UploadResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.JobID)
	assert.Equal(t, "test_file.mp3", res.Basename)
	assert.Equal(t, "/media/test_file.mp3", res.StaticURL)
	assert.True(t, res.IsAudio)
	assert.Equal(t, "upload://test_file.mp3", data.Jobs.(*testJobs).jobs[1].URL)
	_, err = os.Stat(filepath.Join(data.FileSaver.StoragePath, "test_file.mp3"))
	assert.Nil(t, err)
}

func TestUpload_RejectsUnknownExtension(t *testing.T) {
	data := newTestData(t)
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, _ := mw.CreateFormFile("file", "doc.pdf")
	fw.Write([]byte("x"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := invoke(data, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRename(t *testing.T) {
	data := newTestData(t)
	old := filepath.Join(data.FileSaver.StoragePath, "a.mp3")
	require.Nil(t, os.WriteFile(old, []byte("x"), 0644))

	req := httptest.NewRequest(http.MethodPost, "/api/upload/rename",
		jsonBody(t, renameRequest{OldFilename: "a.mp3", NewFilename: "b"}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var res RenameResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, "b.mp3", res.Basename)
	assert.True(t, res.TranscriptUpdated)
	_, err := os.Stat(filepath.Join(data.FileSaver.StoragePath, "b.mp3"))
	assert.Nil(t, err)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestRename_RenamesBackOnStoreFailure(t *testing.T) {
	data := newTestData(t)
	data.Transcripts.(*testTranscripts).updateErr = os.ErrPermission
	old := filepath.Join(data.FileSaver.StoragePath, "a.mp3")
	require.Nil(t, os.WriteFile(old, []byte("x"), 0644))

	req := httptest.NewRequest(http.MethodPost, "/api/upload/rename",
		jsonBody(t, renameRequest{OldFilename: "a.mp3", NewFilename: "b.mp3"}))
	resp := invoke(data, req)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	_, err := os.Stat(old)
	assert.Nil(t, err)
}

func TestRename_NoFile(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/upload/rename",
		jsonBody(t, renameRequest{OldFilename: "missing.mp3", NewFilename: "b.mp3"}))
	resp := invoke(data, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestDownload(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/download",
		jsonBody(t, downloadRequest{URL: "https://www.youtube.com/watch?v=abc"}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var res DownloadResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.JobID)
	assert.False(t, res.Duplicate)
}

func TestDownload_Duplicate(t *testing.T) {
	data := newTestData(t)
	data.Jobs.(*testJobs).duplicate = &persistence.Job{ID: 7, Status: status.Success}
	req := httptest.NewRequest(http.MethodPost, "/api/download",
		jsonBody(t, downloadRequest{URL: "https://www.youtube.com/watch?v=abc"}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var res DownloadResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, int64(7), res.JobID)
	assert.True(t, res.Duplicate)
}

func TestDownload_UnsupportedSource(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/download",
		jsonBody(t, downloadRequest{URL: "https://unknown.example.com/v/1"}))
	resp := invoke(data, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestJobGet(t *testing.T) {
	data := newTestData(t)
	data.Jobs.(*testJobs).Create("upload://a.mp3")
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var job persistence.Job
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &job))
	assert.Equal(t, int64(1), job.ID)
}

func TestJobGet_NotFound(t *testing.T) {
	data := newTestData(t)
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/jobs/99", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestProgress_IdleDefault(t *testing.T) {
	data := newTestData(t)
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/progress/task/5", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var s progress.Snapshot
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &s))
	assert.Equal(t, status.Idle, s.Status)
	assert.Equal(t, float64(0), s.ProgressPercent)
}

func TestTranscriptsList(t *testing.T) {
	data := newTestData(t)
	data.Transcripts.(*testTranscripts).transcripts["t1"] = &persistence.Transcript{ID: "t1"}
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/transcripts", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var res TranscriptListResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.Total)
	assert.Equal(t, 1, len(res.Items))
}

func TestTranscriptDelete_Cascades(t *testing.T) {
	data := newTestData(t)
	media := filepath.Join(data.FileSaver.StoragePath, "a.m4a")
	require.Nil(t, os.WriteFile(media, []byte("x"), 0644))
	data.Transcripts.(*testTranscripts).transcripts["t1"] = &persistence.Transcript{
		ID: "t1", AudioPath: media}

	resp := invoke(data, httptest.NewRequest(http.MethodDelete, "/api/transcripts/t1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var res DeleteResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.True(t, res.Deleted)
	assert.True(t, res.FileDeleted)
	assert.Equal(t, int64(2), res.VectorsDropped)
	assert.Equal(t, []string{"t1"}, data.Vectors.(*testVectors).dropped)
	_, err := os.Stat(media)
	assert.True(t, os.IsNotExist(err))
}

func TestTranscriptDelete_KeepsOutsideFiles(t *testing.T) {
	data := newTestData(t)
	outside := filepath.Join(t.TempDir(), "a.m4a")
	require.Nil(t, os.WriteFile(outside, []byte("x"), 0644))
	data.Transcripts.(*testTranscripts).transcripts["t1"] = &persistence.Transcript{
		ID: "t1", AudioPath: outside}

	resp := invoke(data, httptest.NewRequest(http.MethodDelete, "/api/transcripts/t1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	_, err := os.Stat(outside)
	assert.Nil(t, err)
}

func TestSummarize(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/summarize",
		jsonBody(t, summarizeRequest{TranscriptID: "t1"}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var res SummarizeResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, "santrauka", res.Summary)
	require.NotEmpty(t, res.JobID)
	snap, err := data.Bus.GetSnapshot(res.JobID)
	require.Nil(t, err)
	assert.Equal(t, status.Success, snap.Status)
	assert.InDelta(t, 100, snap.ProgressPercent, 0.001)
}

func TestChat(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		jsonBody(t, chatRequest{Question: "kas?", TranscriptIDs: []string{"t1"}}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var res ChatResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, "atsakymas", res.Answer)
	assert.NotEmpty(t, res.JobID)
}

func TestChatHistory(t *testing.T) {
	data := newTestData(t)
	tt := data.Transcripts.(*testTranscripts)
	require.Nil(t, tt.SaveChatMessages("t1", []persistence.ChatMessage{
		{Role: persistence.RoleUser, Content: "kas?"},
		{Role: persistence.RoleAssistant, Content: "atsakymas"}}))

	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/chat/history/t1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var res ChatHistoryResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	require.Equal(t, 2, len(res.Messages))
	assert.Equal(t, persistence.RoleAssistant, res.Messages[1].Role)
}

func TestChatHistory_Empty(t *testing.T) {
	data := newTestData(t)
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/chat/history/t1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var res ChatHistoryResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, 0, len(res.Messages))
}

func TestChatClear(t *testing.T) {
	data := newTestData(t)
	tt := data.Transcripts.(*testTranscripts)
	require.Nil(t, tt.SaveChatMessages("t1", []persistence.ChatMessage{
		{Role: persistence.RoleUser, Content: "kas?"}}))

	resp := invoke(data, httptest.NewRequest(http.MethodDelete, "/api/chat/history/t1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	msgs, err := tt.GetChatMessages("t1")
	require.Nil(t, err)
	assert.Equal(t, 0, len(msgs))
}

func TestDocDetails(t *testing.T) {
	data := newTestData(t)
	data.Transcripts.(*testTranscripts).transcripts["t1"] = &persistence.Transcript{
		ID: "t1", Segments: []persistence.Segment{
			{Index: 1, Sentence: "Vienas.", StartTime: 0, EndTime: 900},
			{Index: 2, Sentence: "Du.", StartTime: 1000, EndTime: 1900},
			{Index: 3, Sentence: "Trys.", StartTime: 2000, EndTime: 2900}}}
	data.Vectors.(*testVectors).docs = map[string]*vector.SearchHit{
		"t1:0": {DocID: "t1:0", TranscriptID: "t1", ChunkIndex: 0,
			Content: "Vienas. Du.", SegmentIndices: []int{1, 2}, StartTime: 0, EndTime: 1900}}

	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/docs/t1:0", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	var res DocDetailsResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, "t1", res.TranscriptID)
	assert.Equal(t, "Vienas. Du.", res.Content)
	require.Equal(t, 2, len(res.Segments))
	assert.Equal(t, "Vienas.", res.Segments[0].Sentence)
	assert.Equal(t, "Du.", res.Segments[1].Sentence)
}

func TestDocDetails_NotFound(t *testing.T) {
	data := newTestData(t)
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/api/docs/nope", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestChat_NoQuestion(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		jsonBody(t, chatRequest{TranscriptIDs: []string{"t1"}}))
	resp := invoke(data, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestChatStream(t *testing.T) {
	data := newTestData(t)
	events := make(chan progress.Event, 3)
	events <- progress.Event{Event: "chunk", Data: map[string]interface{}{"chunk": "at", "type": "text"}}
	events <- progress.Event{Event: "complete", Data: map[string]interface{}{"final_answer": "at"}}
	close(events)
	data.Bus.(*testBus).events = events

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		jsonBody(t, chatRequest{Question: "kas?", TranscriptIDs: []string{"t1"}}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	body := resp.Body.String()
	assert.Contains(t, body, "event: chunk")
	assert.Contains(t, body, `"chunk":"at"`)
	assert.Contains(t, body, "event: complete")
}

func TestTranslate(t *testing.T) {
	data := newTestData(t)
	tt := data.Transcripts.(*testTranscripts)
	tt.transcripts["t1"] = &persistence.Transcript{ID: "t1",
		Segments: []persistence.Segment{{Index: 1, Sentence: "labas"}}}

	req := httptest.NewRequest(http.MethodPost, "/api/translate",
		jsonBody(t, translateRequest{TranscriptID: "t1", TargetLanguage: "en"}))
	resp := invoke(data, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var res TranslateResult
	require.Nil(t, json.Unmarshal(resp.Body.Bytes(), &res))
	assert.Equal(t, 1, res.TranslatedCount)
	require.Equal(t, 1, len(tt.segments))
	assert.Equal(t, "tr-labas", tt.segments[0].Translation["en"])
	require.NotNil(t, tt.translatons)
	assert.Equal(t, 1, len(tt.translatons["en"]))
}

func TestTranslate_NoTranscript(t *testing.T) {
	data := newTestData(t)
	req := httptest.NewRequest(http.MethodPost, "/api/translate",
		jsonBody(t, translateRequest{TranscriptID: "missing", TargetLanguage: "en"}))
	resp := invoke(data, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestLive(t *testing.T) {
	data := newTestData(t)
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestStaticFiles(t *testing.T) {
	data := newTestData(t)
	require.Nil(t, os.WriteFile(filepath.Join(data.FileSaver.StoragePath, "a.m4a"),
		[]byte("media"), 0644))
	resp := invoke(data, httptest.NewRequest(http.MethodGet, "/media/a.m4a", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), "media"))
}
