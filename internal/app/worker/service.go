package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/asr"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/ingest"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/norm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

const stageRetries = 2

// JobQueue claims and finishes durable jobs
type JobQueue interface {
	ClaimNext() (*persistence.Job, error)
	UpdateResult(id int64, patch map[string]interface{}, st string) error
	FinishSuccess(id int64, result map[string]interface{}) error
	FinishFailed(id int64, errMsg string) error
}

// TranscriptSaver persists finished transcripts
type TranscriptSaver interface {
	Save(audioPath string, segments []persistence.Segment, mediaType, videoPath string) (string, error)
	Get(id string) (*persistence.Transcript, error)
}

// MediaIngestor turns a job url into local media files
type MediaIngestor interface {
	Run(ctx context.Context, url string, emit func(ingest.AggregatedProgress)) (*ingest.Result, error)
}

// VectorIndexer pushes transcript chunks into the vector index
type VectorIndexer interface {
	Index(ctx context.Context, transcriptID string, segments []persistence.Segment) (int, error)
}

// ProgressSink stores latest job snapshots
type ProgressSink interface {
	SetSnapshot(s *progress.Snapshot) error
}

// ServiceData keeps data required for service work
type ServiceData struct {
	Jobs         JobQueue
	Transcripts  TranscriptSaver
	Ingestor     MediaIngestor
	Transcriber  asr.Transcriber
	NormOpts     norm.Options
	Indexer      VectorIndexer
	Bus          ProgressSink
	EventSender  messages.Sender
	WakeCh       <-chan amqp.Delivery
	PollInterval time.Duration
}

//StartWorkerService starts the job processing loop
func StartWorkerService(data *ServiceData) error {
	if data.Jobs == nil {
		return errors.New("No job queue provided")
	}
	if data.Transcripts == nil {
		return errors.New("No transcript saver provided")
	}
	if data.Ingestor == nil {
		return errors.New("No ingestor provided")
	}
	if data.Transcriber == nil {
		return errors.New("No transcriber provided")
	}
	if data.Indexer == nil {
		return errors.New("No indexer provided")
	}
	if data.Bus == nil {
		return errors.New("No progress bus provided")
	}
	if data.PollInterval <= 0 {
		data.PollInterval = 10 * time.Second
	}
	cmdapp.Log.Infof("Starting job worker, poll every %v", data.PollInterval)
	go serviceLoop(data)
	return nil
}

// serviceLoop wakes up on broker messages and on a fallback ticker,
// then drains all claimable jobs. The claim is the serialization
// point, a wake-up with no pending job is a no-op.
func serviceLoop(data *ServiceData) {
	ticker := time.NewTicker(data.PollInterval)
	defer ticker.Stop()
	drainJobs(data)
	for {
		select {
		case d, ok := <-data.WakeCh:
			if !ok {
				cmdapp.Log.Infof("Wake-up queue closed, stopping worker")
				return
			}
			d.Ack(false)
			drainJobs(data)
		case <-ticker.C:
			drainJobs(data)
		}
	}
}

func drainJobs(data *ServiceData) {
	for {
		job, err := data.Jobs.ClaimNext()
		if err != nil {
			cmdapp.Log.Error("Can't claim job: ", err)
			return
		}
		if job == nil {
			return
		}
		if err := ProcessJob(context.Background(), data, job); err != nil {
			cmdapp.Log.Errorf("Job %d failed: %v", job.ID, err)
		}
	}
}

// ProcessJob drives one claimed job through ingest, recognition and
// indexing. Stages whose outputs are already in the job result are
// skipped, so a reclaimed job resumes where it stopped.
func ProcessJob(ctx context.Context, data *ServiceData, job *persistence.Job) error {
	jobID := strconv.FormatInt(job.ID, 10)
	if err := runStages(ctx, data, job); err != nil {
		if ferr := data.Jobs.FinishFailed(job.ID, err.Error()); ferr != nil {
			cmdapp.Log.Error("Can't mark job failed: ", ferr)
		}
		setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Failed,
			Stage: status.StgError, Error: err.Error()})
		return err
	}
	if err := data.Jobs.FinishSuccess(job.ID, nil); err != nil {
		return errors.Wrap(err, "Can't mark job done")
	}
	setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Success,
		Stage: status.StgCompleted, ProgressPercent: 100})
	cmdapp.Log.Infof("Job %d completed", job.ID)
	return nil
}

func runStages(ctx context.Context, data *ServiceData, job *persistence.Job) error {
	if err := ingestStage(ctx, data, job); err != nil {
		return err
	}
	if err := recognizeStage(ctx, data, job); err != nil {
		return err
	}
	return indexStage(ctx, data, job)
}

// ingestStage is done when the result holds an audio path that still
// exists on disk. Otherwise the media is fetched again.
func ingestStage(ctx context.Context, data *ServiceData, job *persistence.Job) error {
	jobID := strconv.FormatInt(job.ID, 10)
	if p := persistence.ResultString(job.Result, persistence.ResAudioPath); p != "" {
		if _, err := os.Stat(p); err == nil {
			cmdapp.Log.Infof("Job %d: audio already present, skipping ingest", job.ID)
			return nil
		}
		cmdapp.Log.Warnf("Job %d: cached audio %s is gone, re-ingesting", job.ID, p)
	}

	startStage := status.StgDownloadStart
	if ingest.IsUploadURL(job.URL) {
		startStage = status.StgUploadProcessing
	}
	setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Processing,
		Stage: startStage, ProgressPercent: status.Percent(startStage)})

	var res *ingest.Result
	err := retryStage(func() error {
		var rerr error
		res, rerr = data.Ingestor.Run(ctx, job.URL, func(p ingest.AggregatedProgress) {
			setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Processing,
				Stage: status.StgDownload, ProgressPercent: p.Percent,
				CurrentBytes: p.DownloadedBytes, TotalBytes: p.TotalBytes,
				Speed: p.Speed, ETASeconds: p.ETASeconds})
		})
		return rerr
	})
	if err != nil {
		return err
	}

	basename := filepath.Base(res.AudioPath)
	patch := map[string]interface{}{
		persistence.ResAudioPath: res.AudioPath,
		persistence.ResBasename:  basename,
		persistence.ResStaticURL: "/media/" + basename,
		persistence.ResSource:    res.Source,
		persistence.ResMediaType: res.MediaType,
	}
	if res.VideoPath != "" {
		patch[persistence.ResVideoPath] = res.VideoPath
	}
	if res.Title != "" {
		patch[persistence.ResTitle] = res.Title
	}
	if res.Duration > 0 {
		patch[persistence.ResDuration] = res.Duration
	}
	if err := data.Jobs.UpdateResult(job.ID, patch, ""); err != nil {
		return err
	}
	mergeResult(job, patch)
	setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Processing,
		Stage: status.StgReady, ProgressPercent: status.Percent(status.StgReady),
		Filename: basename})
	return nil
}

// recognizeStage is done when a transcript id is already recorded
func recognizeStage(ctx context.Context, data *ServiceData, job *persistence.Job) error {
	if persistence.ResultString(job.Result, persistence.ResTranscriptID) != "" {
		cmdapp.Log.Infof("Job %d: transcript already saved, skipping recognition", job.ID)
		return nil
	}
	jobID := strconv.FormatInt(job.ID, 10)
	audioPath := persistence.ResultString(job.Result, persistence.ResAudioPath)
	if audioPath == "" {
		return errors.Wrap(utils.ErrInvalidInput, "no audio path in job result")
	}

	stageSnapshot(data, jobID, status.StgASRPreprocess)
	stageSnapshot(data, jobID, status.StgASRRecognizing)
	var raw []asr.RawSegment
	err := retryStage(func() error {
		var rerr error
		raw, rerr = data.Transcriber.Transcribe(ctx, audioPath)
		return rerr
	})
	if err != nil {
		return err
	}

	stageSnapshot(data, jobID, status.StgASRPostprocess)
	segments, err := norm.Normalize(raw, data.NormOpts)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return errors.Wrap(utils.ErrASRParse, "recognition returned no segments")
	}

	stageSnapshot(data, jobID, status.StgSavingTranscript)
	trID, err := data.Transcripts.Save(audioPath, segments,
		persistence.ResultString(job.Result, persistence.ResMediaType),
		persistence.ResultString(job.Result, persistence.ResVideoPath))
	if err != nil {
		return err
	}
	patch := map[string]interface{}{persistence.ResTranscriptID: trID}
	if err := data.Jobs.UpdateResult(job.ID, patch, ""); err != nil {
		return err
	}
	mergeResult(job, patch)
	return nil
}

// indexStage is done when a chunk count is recorded. Rerun after the
// transcript stage loads segments back from the store.
func indexStage(ctx context.Context, data *ServiceData, job *persistence.Job) error {
	if persistence.ResultString(job.Result, persistence.ResTranscriptID) == "" {
		return errors.Wrap(utils.ErrInvalidInput, "no transcript id in job result")
	}
	if _, done := job.Result[persistence.ResChunkCount]; done {
		cmdapp.Log.Infof("Job %d: chunks already indexed, skipping", job.ID)
		return nil
	}
	trID := persistence.ResultString(job.Result, persistence.ResTranscriptID)
	tr, err := data.Transcripts.Get(trID)
	if err != nil {
		return err
	}
	if tr == nil {
		return errors.Wrapf(utils.ErrNotFound, "no transcript %s", trID)
	}
	var count int
	err = retryStage(func() error {
		var rerr error
		count, rerr = data.Indexer.Index(ctx, trID, tr.Segments)
		return rerr
	})
	if err != nil {
		return err
	}
	patch := map[string]interface{}{persistence.ResChunkCount: count}
	if err := data.Jobs.UpdateResult(job.ID, patch, ""); err != nil {
		return err
	}
	mergeResult(job, patch)
	return nil
}

// retryStage retries transient failures with exponential backoff.
// Permanent domain errors fail at once.
func retryStage(f func() error) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), stageRetries)
	return backoff.Retry(func() error {
		err := f()
		if err != nil && utils.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func stageSnapshot(data *ServiceData, jobID, stage string) {
	setSnapshot(data, &progress.Snapshot{JobID: jobID, Status: status.Processing,
		Stage: stage, ProgressPercent: status.Percent(stage)})
}

func setSnapshot(data *ServiceData, s *progress.Snapshot) {
	if s.Message == "" && s.Stage != "" {
		s.Message = fmt.Sprintf("stage %s", s.Stage)
	}
	if err := data.Bus.SetSnapshot(s); err != nil {
		cmdapp.Log.Warn("Can't set snapshot: ", err)
	}
	notifyEvent(data, s.JobID)
}

// notifyEvent tells websocket push consumers a job's snapshot changed
func notifyEvent(data *ServiceData, jobID string) {
	if data.EventSender == nil {
		return
	}
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return
	}
	if err := data.EventSender.Send(messages.NewQueueMessage(id), messages.JobEvent, ""); err != nil {
		cmdapp.Log.Warn("Can't send job event: ", err)
	}
}

func mergeResult(job *persistence.Job, patch map[string]interface{}) {
	if job.Result == nil {
		job.Result = map[string]interface{}{}
	}
	for k, v := range patch {
		job.Result[k] = v
	}
}
