package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

// YtDlpDownloader drives the yt-dlp binary. One instance serves all
// platforms yt-dlp understands, the platform only selects format flags.
type YtDlpDownloader struct {
	Binary   string
	Platform Platform
	Cookies  *LoginStore
}

//NewYtDlpDownloader creates a yt-dlp backed downloader for a platform
func NewYtDlpDownloader(platform Platform, cookies *LoginStore) *YtDlpDownloader {
	binary := cmdapp.Config.GetString("ingest.ytdlpPath")
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlpDownloader{Binary: binary, Platform: platform, Cookies: cookies}
}

// progress line: [download]  24.5% of 10.37MiB at  1.50MiB/s ETA 00:05
var progressRe = regexp.MustCompile(
	`\[download\]\s+([0-9.]+)% of ~?\s*([0-9.]+)(KiB|MiB|GiB|B) at\s+([0-9.]+)(KiB|MiB|GiB|B)/s ETA ([0-9:]+)`)

// destination line: [download] Destination: /static/xxx.f137.mp4
var destRe = regexp.MustCompile(`\[download\] Destination: (.+)`)

// Download runs yt-dlp with --newline and parses its per-stream progress.
// Files are written under destDir with a restricted output template, the
// merged media file is resolved from the --print after_move line.
func (d *YtDlpDownloader) Download(ctx context.Context, url, destDir string, cb ProgressFunc) (*DownloadResult, error) {
	args := []string{
		"--newline", "--no-playlist",
		"--restrict-filenames",
		"-o", filepath.Join(destDir, "%(id)s.%(ext)s"),
		"--print-json", "--no-simulate",
	}
	if d.Platform == PlatformXiaoyuzhou || d.Platform == PlatformPodcast {
		args = append(args, "-f", "bestaudio/best")
	} else {
		args = append(args, "-f", "bestvideo+bestaudio/best", "--merge-output-format", "mp4")
	}
	args = append(args, d.cookieArgs(url)...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, d.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "can't pipe yt-dlp stdout")
	}
	cmd.Stderr = cmdapp.Log.Writer()

	cmdapp.Log.Infof("Running %s for %s", d.Binary, utils.URLToLog(url))
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(utils.ErrDownloadFailed, "can't start yt-dlp: %v", err)
	}

	res := &DownloadResult{}
	stream := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := destRe.FindStringSubmatch(line); m != nil {
			stream++
			res.MediaPath = strings.TrimSpace(m[1])
			continue
		}
		if m := progressRe.FindStringSubmatch(line); m != nil {
			cb(parseProgressLine(m, stream))
			continue
		}
		if strings.HasPrefix(line, "{") {
			parseInfoJSON(line, res)
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, errors.Wrapf(utils.ErrDownloadFailed, "yt-dlp failed: %v", err)
	}
	if res.MediaPath == "" {
		return nil, errors.Wrap(utils.ErrDownloadFailed, "yt-dlp produced no file")
	}
	if _, err := os.Stat(res.MediaPath); err != nil {
		return nil, errors.Wrapf(utils.ErrDownloadFailed, "missing output %s", res.MediaPath)
	}
	res.IsVideo = isVideoFile(res.MediaPath)
	return res, nil
}

func (d *YtDlpDownloader) cookieArgs(url string) []string {
	if d.Cookies == nil {
		return nil
	}
	// prefer the cookie file form, yt-dlp handles expiry itself there
	if file, err := d.Cookies.NetscapeFile(url); err == nil && file != "" {
		return []string{"--cookies", file}
	}
	if h := d.Cookies.CookieHeader(url); h != "" {
		return []string{"--add-header", "Cookie:" + h}
	}
	return nil
}

func parseProgressLine(m []string, stream int) StreamProgress {
	percent, _ := strconv.ParseFloat(m[1], 64)
	total := int64(toBytes(m[2], m[3]))
	speed := toBytes(m[4], m[5])
	return StreamProgress{
		StreamID:        "stream" + strconv.Itoa(stream),
		DownloadedBytes: int64(percent / 100 * float64(total)),
		TotalBytes:      total,
		Speed:           speed,
		ETASeconds:      parseETA(m[6]),
	}
}

func toBytes(num, unit string) float64 {
	n, _ := strconv.ParseFloat(num, 64)
	switch unit {
	case "KiB":
		return n * 1024
	case "MiB":
		return n * 1024 * 1024
	case "GiB":
		return n * 1024 * 1024 * 1024
	}
	return n
}

func parseETA(s string) float64 {
	parts := strings.Split(s, ":")
	res := 0.0
	for _, p := range parts {
		n, _ := strconv.ParseFloat(p, 64)
		res = res*60 + n
	}
	return res
}

func parseInfoJSON(line string, res *DownloadResult) {
	var info struct {
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
		Filename string  `json:"_filename"`
	}
	if err := json.Unmarshal([]byte(line), &info); err != nil {
		return
	}
	if info.Title != "" {
		res.Title = info.Title
	}
	if info.Duration > 0 {
		res.Duration = info.Duration
	}
	if info.Filename != "" {
		res.MediaPath = info.Filename
	}
}

func isVideoFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mkv", ".webm", ".mov", ".avi", ".flv":
		return true
	}
	return false
}
