package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/asr"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/ingest"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/norm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testJobs struct {
	patches  []map[string]interface{}
	success  bool
	failed   string
	finishes int
}

func (j *testJobs) ClaimNext() (*persistence.Job, error) { return nil, nil }

func (j *testJobs) UpdateResult(_ int64, patch map[string]interface{}, _ string) error {
	j.patches = append(j.patches, patch)
	return nil
}

func (j *testJobs) FinishSuccess(_ int64, _ map[string]interface{}) error {
	j.success = true
	j.finishes++
	return nil
}

func (j *testJobs) FinishFailed(_ int64, errMsg string) error {
	j.failed = errMsg
	j.finishes++
	return nil
}

type testTranscripts struct {
	savedSegments []persistence.Segment
	saveCalls     int
	stored        *persistence.Transcript
}

func (t *testTranscripts) Save(_ string, segments []persistence.Segment, _, _ string) (string, error) {
	t.saveCalls++
	t.savedSegments = segments
	return "tr-1", nil
}

func (t *testTranscripts) Get(_ string) (*persistence.Transcript, error) {
	if t.stored != nil {
		return t.stored, nil
	}
	return &persistence.Transcript{ID: "tr-1", Segments: t.savedSegments}, nil
}

type testIngestor struct {
	res   *ingest.Result
	err   error
	calls int
}

func (i *testIngestor) Run(_ context.Context, _ string, emit func(ingest.AggregatedProgress)) (*ingest.Result, error) {
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	if emit != nil {
		emit(ingest.AggregatedProgress{DownloadedBytes: 10, TotalBytes: 100, Percent: 10})
	}
	return i.res, nil
}

type testTranscriber struct {
	segments []asr.RawSegment
	failures int
	calls    int
}

func (t *testTranscriber) Transcribe(_ context.Context, _ string) ([]asr.RawSegment, error) {
	t.calls++
	if t.calls <= t.failures {
		return nil, utils.ErrASRUnavailable
	}
	return t.segments, nil
}

type testIndexer struct {
	count int
	calls int
}

func (ix *testIndexer) Index(_ context.Context, _ string, segments []persistence.Segment) (int, error) {
	ix.calls++
	if ix.count > 0 {
		return ix.count, nil
	}
	return len(segments), nil
}

type testSink struct {
	snapshots []progress.Snapshot
}

func (s *testSink) SetSnapshot(snap *progress.Snapshot) error {
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *testSink) stages() []string {
	var res []string
	for _, sn := range s.snapshots {
		if len(res) == 0 || res[len(res)-1] != sn.Stage {
			res = append(res, sn.Stage)
		}
	}
	return res
}

type testSender struct {
	sent []messages.QueueMessage
	qs   []string
}

func (s *testSender) Send(message *messages.QueueMessage, queue string, _ string) error {
	s.sent = append(s.sent, *message)
	s.qs = append(s.qs, queue)
	return nil
}

func newTestData(audioPath string) (*ServiceData, *testJobs, *testSink, *testTranscripts) {
	jobs := &testJobs{}
	sink := &testSink{}
	transcripts := &testTranscripts{}
	data := &ServiceData{
		Jobs:        jobs,
		Transcripts: transcripts,
		Ingestor: &testIngestor{res: &ingest.Result{AudioPath: audioPath,
			MediaType: persistence.MediaAudio, Source: "youtube", Title: "t"}},
		Transcriber: &testTranscriber{segments: []asr.RawSegment{
			{Sentence: "labas rytas.", StartTime: 0, EndTime: 1000}}},
		NormOpts:    norm.DefaultOptions(),
		Indexer:     &testIndexer{},
		Bus:         sink,
		EventSender: &testSender{},
	}
	return data, jobs, sink, transcripts
}

func TestProcessJob_FullPipeline(t *testing.T) {
	data, jobs, sink, _ := newTestData("/tmp/nonexistent/a.m4a")
	job := &persistence.Job{ID: 1, URL: "https://www.youtube.com/watch?v=x", Status: status.Processing}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.True(t, jobs.success)
	require.Equal(t, 3, len(jobs.patches))
	assert.Equal(t, "a.m4a", jobs.patches[0][persistence.ResBasename])
	assert.Equal(t, "/media/a.m4a", jobs.patches[0][persistence.ResStaticURL])
	assert.Equal(t, "tr-1", jobs.patches[1][persistence.ResTranscriptID])
	assert.Equal(t, 1, jobs.patches[2][persistence.ResChunkCount])
	stages := sink.stages()
	assert.Equal(t, status.StgDownloadStart, stages[0])
	assert.Contains(t, stages, status.StgReady)
	assert.Equal(t, status.StgCompleted, stages[len(stages)-1])
}

func TestProcessJob_EmitsReadyAfterIngest(t *testing.T) {
	data, _, sink, _ := newTestData("/tmp/nonexistent/a.m4a")
	job := &persistence.Job{ID: 1, URL: "https://www.youtube.com/watch?v=x"}
	require.Nil(t, ProcessJob(context.Background(), data, job))
	for _, sn := range sink.snapshots {
		if sn.Stage == status.StgReady {
			assert.InDelta(t, 100, sn.ProgressPercent, 0.001)
			assert.Equal(t, "a.m4a", sn.Filename)
			return
		}
	}
	t.Error("no ready snapshot")
}

func TestProcessJob_PublishesJobEvents(t *testing.T) {
	data, _, sink, _ := newTestData("/tmp/nonexistent/a.m4a")
	sender := data.EventSender.(*testSender)
	job := &persistence.Job{ID: 7, URL: "https://www.youtube.com/watch?v=x"}
	require.Nil(t, ProcessJob(context.Background(), data, job))
	require.Equal(t, len(sink.snapshots), len(sender.sent))
	for i, m := range sender.sent {
		assert.Equal(t, int64(7), m.JobID)
		assert.Equal(t, messages.JobEvent, sender.qs[i])
	}
}

func TestProcessJob_UploadStage(t *testing.T) {
	data, _, sink, _ := newTestData("/tmp/nonexistent/a.m4a")
	job := &persistence.Job{ID: 1, URL: "upload://a.m4a"}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, status.StgUploadProcessing, sink.stages()[0])
}

func TestProcessJob_SkipsIngestWhenAudioExists(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "a.m4a")
	require.Nil(t, os.WriteFile(audio, []byte("x"), 0644))

	data, jobs, _, _ := newTestData(audio)
	ing := data.Ingestor.(*testIngestor)
	job := &persistence.Job{ID: 1, URL: "https://www.youtube.com/watch?v=x",
		Result: map[string]interface{}{persistence.ResAudioPath: audio,
			persistence.ResMediaType: persistence.MediaAudio}}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, 0, ing.calls)
	assert.True(t, jobs.success)
}

func TestProcessJob_ReingestsWhenAudioGone(t *testing.T) {
	data, _, _, _ := newTestData("/tmp/nonexistent/a.m4a")
	ing := data.Ingestor.(*testIngestor)
	job := &persistence.Job{ID: 1, URL: "https://www.youtube.com/watch?v=x",
		Result: map[string]interface{}{persistence.ResAudioPath: "/tmp/nonexistent/gone.m4a"}}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, 1, ing.calls)
}

func TestProcessJob_SkipsRecognitionWithTranscript(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "a.m4a")
	require.Nil(t, os.WriteFile(audio, []byte("x"), 0644))

	data, jobs, _, transcripts := newTestData(audio)
	transcripts.stored = &persistence.Transcript{ID: "tr-9",
		Segments: []persistence.Segment{{Index: 1, Sentence: "s"}}}
	tc := data.Transcriber.(*testTranscriber)
	job := &persistence.Job{ID: 1, URL: "upload://a.m4a",
		Result: map[string]interface{}{persistence.ResAudioPath: audio,
			persistence.ResTranscriptID: "tr-9"}}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, 0, tc.calls)
	assert.Equal(t, 0, transcripts.saveCalls)
	assert.True(t, jobs.success)
	assert.Equal(t, 1, jobs.patches[0][persistence.ResChunkCount])
}

func TestProcessJob_SkipsIndexWhenCounted(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "a.m4a")
	require.Nil(t, os.WriteFile(audio, []byte("x"), 0644))

	data, jobs, _, _ := newTestData(audio)
	ix := data.Indexer.(*testIndexer)
	job := &persistence.Job{ID: 1, URL: "upload://a.m4a",
		Result: map[string]interface{}{persistence.ResAudioPath: audio,
			persistence.ResTranscriptID: "tr-9", persistence.ResChunkCount: 3}}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, 0, ix.calls)
	assert.True(t, jobs.success)
}

func TestProcessJob_RetriesTransientASR(t *testing.T) {
	data, jobs, _, _ := newTestData("/tmp/nonexistent/a.m4a")
	tc := data.Transcriber.(*testTranscriber)
	tc.failures = 1
	job := &persistence.Job{ID: 1, URL: "upload://a.m4a"}
	err := ProcessJob(context.Background(), data, job)
	require.Nil(t, err)
	assert.Equal(t, 2, tc.calls)
	assert.True(t, jobs.success)
}

func TestProcessJob_FailsOnPermanentError(t *testing.T) {
	data, jobs, sink, _ := newTestData("")
	ing := data.Ingestor.(*testIngestor)
	ing.err = utils.ErrUnsupportedSource
	job := &persistence.Job{ID: 1, URL: "https://unknown.example.com/x"}
	err := ProcessJob(context.Background(), data, job)
	require.NotNil(t, err)
	assert.Equal(t, 1, ing.calls)
	assert.False(t, jobs.success)
	assert.NotEmpty(t, jobs.failed)
	final := sink.snapshots[len(sink.snapshots)-1]
	assert.Equal(t, status.Failed, final.Status)
	assert.Equal(t, status.StgError, final.Stage)
}

func TestStartWorkerService_Validates(t *testing.T) {
	assert.NotNil(t, StartWorkerService(&ServiceData{}))
	data, _, _, _ := newTestData("/tmp/a.m4a")
	assert.Nil(t, StartWorkerService(data))
}
