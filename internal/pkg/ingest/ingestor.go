package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/saver"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true,
	".flac": true, ".ogg": true, ".opus": true, ".wma": true,
}

// Result is the structured ingest output handed to the orchestrator
type Result struct {
	AudioPath string
	VideoPath string
	MediaType string
	Source    string
	Title     string
	Duration  float64
}

// Ingestor turns a job url (real or upload://) into local media files
// inside the static dir
type Ingestor struct {
	FileSaver   *saver.LocalFileSaver
	Cookies     *LoginStore
	downloaders map[Platform]Downloader
}

//NewIngestor creates Ingestor instance
func NewIngestor(fs *saver.LocalFileSaver, cookies *LoginStore) (*Ingestor, error) {
	if fs == nil {
		return nil, errors.New("No file saver provided")
	}
	res := &Ingestor{FileSaver: fs, Cookies: cookies, downloaders: map[Platform]Downloader{}}
	for _, p := range []Platform{PlatformYoutube, PlatformBilibili, PlatformDouyin,
		PlatformXiaoyuzhou, PlatformPodcast} {
		res.downloaders[p] = NewYtDlpDownloader(p, cookies)
	}
	return res, nil
}

// Run ingests the job url. Progress is reported as aggregated byte
// counts over all concurrent streams, at most twice a second.
func (in *Ingestor) Run(ctx context.Context, url string, emit func(AggregatedProgress)) (*Result, error) {
	if IsUploadURL(url) {
		return in.runUpload(ctx, UploadBasename(url))
	}
	return in.runDownload(ctx, url, emit)
}

func (in *Ingestor) runUpload(ctx context.Context, basename string) (*Result, error) {
	if basename == "" || basename != filepath.Base(basename) {
		return nil, errors.Wrapf(utils.ErrInvalidInput, "bad upload basename '%s'", basename)
	}
	path := filepath.Join(in.FileSaver.StoragePath, basename)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(utils.ErrDuplicateMediaMissing, "no uploaded file %s", basename)
	}

	res := &Result{Source: "upload", Title: strings.TrimSuffix(basename, filepath.Ext(basename))}
	if d, err := ProbeDuration(ctx, path); err == nil {
		res.Duration = d
	} else {
		cmdapp.Log.Warnf("Can't probe duration: %v", err)
	}

	if audioExtensions[strings.ToLower(filepath.Ext(basename))] {
		res.AudioPath = path
		res.MediaType = persistence.MediaAudio
		return res, nil
	}
	audioPath, err := ExtractAudio(ctx, path)
	if err != nil {
		return nil, err
	}
	res.VideoPath = path
	res.AudioPath = audioPath
	res.MediaType = persistence.MediaBoth
	return res, nil
}

func (in *Ingestor) runDownload(ctx context.Context, url string, emit func(AggregatedProgress)) (*Result, error) {
	platform, err := DetectPlatform(url)
	if err != nil {
		return nil, err
	}
	dl, found := in.downloaders[platform]
	if !found {
		return nil, errors.Wrapf(utils.ErrUnsupportedSource, "no downloader wired for %s", platform)
	}

	agg := newAggregator(emit)
	dres, err := dl.Download(ctx, url, in.FileSaver.StoragePath, agg.onProgress)
	if err != nil {
		return nil, err
	}
	agg.flush()

	res := &Result{Source: string(platform), Title: dres.Title, Duration: dres.Duration}
	if !dres.IsVideo {
		res.AudioPath = dres.MediaPath
		res.MediaType = persistence.MediaAudio
		return res, nil
	}
	audioPath, err := ExtractAudio(ctx, dres.MediaPath)
	if err != nil {
		return nil, err
	}
	res.VideoPath = dres.MediaPath
	res.AudioPath = audioPath
	res.MediaType = persistence.MediaBoth
	return res, nil
}

//IsAudioExt reports whether the extension names an audio container
func IsAudioExt(ext string) bool {
	return audioExtensions[strings.ToLower(ext)]
}
