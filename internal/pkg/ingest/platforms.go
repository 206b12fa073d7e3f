package ingest

import (
	"net/url"
	"regexp"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
)

//UploadScheme marks urls pointing to already uploaded files
const UploadScheme = "upload://"

//Platform names a supported media source
type Platform string

//Known platforms
const (
	PlatformYoutube    Platform = "youtube"
	PlatformBilibili   Platform = "bilibili"
	PlatformDouyin     Platform = "douyin"
	PlatformXiaoyuzhou Platform = "xiaoyuzhou"
	PlatformPodcast    Platform = "podcast"
)

var platformPatterns = []struct {
	re       *regexp.Regexp
	platform Platform
}{
	{regexp.MustCompile(`(^|\.)(youtube\.com|youtu\.be)$`), PlatformYoutube},
	{regexp.MustCompile(`(^|\.)(bilibili\.com|b23\.tv)$`), PlatformBilibili},
	{regexp.MustCompile(`(^|\.)(douyin\.com|iesdouyin\.com)$`), PlatformDouyin},
	{regexp.MustCompile(`(^|\.)xiaoyuzhoufm\.com$`), PlatformXiaoyuzhou},
	{regexp.MustCompile(`(^|\.)(podcasts\.apple\.com|overcast\.fm)$`), PlatformPodcast},
}

//IsUploadURL reports whether the job url uses the upload scheme
func IsUploadURL(u string) bool {
	return strings.HasPrefix(u, UploadScheme)
}

//UploadBasename extracts the basename from an upload:// url
func UploadBasename(u string) string {
	return strings.TrimPrefix(u, UploadScheme)
}

// DetectPlatform maps a real url onto a downloader platform by hostname
func DetectPlatform(rawURL string) (Platform, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", errors.Wrapf(utils.ErrInvalidInput, "can't parse url '%s'", rawURL)
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	for _, p := range platformPatterns {
		if p.re.MatchString(host) {
			return p.platform, nil
		}
	}
	return "", errors.Wrapf(utils.ErrUnsupportedSource, "no downloader for host '%s'", host)
}
