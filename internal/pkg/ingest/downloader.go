package ingest

import (
	"context"
	"sync"
	"time"
)

// StreamProgress is one downloader callback for a single media stream.
// Video sources report the video and the audio stream separately.
type StreamProgress struct {
	StreamID        string
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64
	ETASeconds      float64
}

//ProgressFunc receives downloader progress callbacks
type ProgressFunc func(p StreamProgress)

// DownloadResult describes the media a downloader produced
type DownloadResult struct {
	MediaPath string
	Title     string
	Duration  float64
	IsVideo   bool
}

// Downloader fetches media from one platform into a directory
type Downloader interface {
	Download(ctx context.Context, url, destDir string, cb ProgressFunc) (*DownloadResult, error)
}

// AggregatedProgress is the byte level sum over concurrent streams
type AggregatedProgress struct {
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64
	ETASeconds      float64
	Percent         float64
}

// aggregator folds multi-stream callbacks into one download snapshot,
// throttled to at most two emissions per second
type aggregator struct {
	m        sync.Mutex
	streams  map[string]StreamProgress
	lastEmit time.Time
	minGap   time.Duration
	emit     func(AggregatedProgress)
}

func newAggregator(emit func(AggregatedProgress)) *aggregator {
	return &aggregator{streams: map[string]StreamProgress{}, minGap: 500 * time.Millisecond, emit: emit}
}

func (a *aggregator) onProgress(p StreamProgress) {
	a.m.Lock()
	defer a.m.Unlock()

	a.streams[p.StreamID] = p
	now := time.Now()
	if now.Sub(a.lastEmit) < a.minGap {
		return
	}
	a.lastEmit = now
	a.emit(a.sumNoSync())
}

// flush emits the final state ignoring the throttle
func (a *aggregator) flush() {
	a.m.Lock()
	defer a.m.Unlock()
	a.emit(a.sumNoSync())
}

func (a *aggregator) sumNoSync() AggregatedProgress {
	var res AggregatedProgress
	for _, s := range a.streams {
		res.DownloadedBytes += s.DownloadedBytes
		res.TotalBytes += s.TotalBytes
		res.Speed += s.Speed
		if s.ETASeconds > res.ETASeconds {
			res.ETASeconds = s.ETASeconds
		}
	}
	if res.TotalBytes > 0 {
		res.Percent = float64(res.DownloadedBytes) / float64(res.TotalBytes) * 100
		if res.Percent > 100 {
			res.Percent = 100
		}
	}
	return res
}
