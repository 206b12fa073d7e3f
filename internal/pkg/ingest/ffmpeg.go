package ingest

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

// ExtractAudio stream-copies the audio track of a video file into an
// m4a next to it, no re-encode. Returns the audio file path.
func ExtractAudio(ctx context.Context, videoPath string) (string, error) {
	audioPath := strings.TrimSuffix(videoPath, extOf(videoPath)) + ".m4a"
	tmpPath := audioPath + ".part"

	cmd := exec.CommandContext(ctx, ffmpegBinary(),
		"-y", "-i", videoPath,
		"-vn", "-acodec", "copy",
		"-f", "mp4", tmpPath)
	cmd.Stderr = cmdapp.Log.Writer()

	cmdapp.Log.Infof("Extracting audio from %s", videoPath)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrapf(utils.ErrAudioExtraction, "ffmpeg failed: %v", err)
	}
	if err := os.Rename(tmpPath, audioPath); err != nil {
		return "", errors.Wrap(utils.ErrAudioExtraction, err.Error())
	}
	return audioPath, nil
}

// ProbeDuration reads media duration in seconds via ffprobe
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, ffprobeBinary(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, errors.Wrapf(err, "ffprobe failed for %s", path)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, errors.Wrap(err, "can't parse ffprobe output")
	}
	return d, nil
}

func ffmpegBinary() string {
	if b := cmdapp.Config.GetString("ingest.ffmpegPath"); b != "" {
		return b
	}
	return "ffmpeg"
}

func ffprobeBinary() string {
	if b := cmdapp.Config.GetString("ingest.ffprobePath"); b != "" {
		return b
	}
	return "ffprobe"
}

func extOf(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
}
