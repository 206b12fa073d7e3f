package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Cookie is one persisted login cookie
type Cookie struct {
	Domain  string `json:"domain"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Value   string `json:"value"`
	Secure  bool   `json:"secure"`
	Expires int64  `json:"expires"`
}

// LoginStore keeps site login cookies persisted between runs.
// Downloaders inject them either as a Netscape cookie file or a
// Cookie header, the file form is preferred.
type LoginStore struct {
	Path    string
	workDir string
}

//NewLoginStore loads the cookie store file, missing file gives an empty store
func NewLoginStore(path, workDir string) *LoginStore {
	return &LoginStore{Path: path, workDir: workDir}
}

func (ls *LoginStore) load() ([]Cookie, error) {
	data, err := os.ReadFile(ls.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't read cookie store")
	}
	var res []Cookie
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "can't parse cookie store")
	}
	return res, nil
}

func (ls *LoginStore) forURL(rawURL string) []Cookie {
	all, err := ls.load()
	if err != nil || len(all) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	var res []Cookie
	for _, c := range all {
		d := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if host == d || strings.HasSuffix(host, "."+d) {
			res = append(res, c)
		}
	}
	return res
}

// NetscapeFile writes the url's cookies in Netscape format and returns
// the file path, empty when there are no matching cookies
func (ls *LoginStore) NetscapeFile(rawURL string) (string, error) {
	cookies := ls.forURL(rawURL)
	if len(cookies) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("# Netscape HTTP Cookie File\n")
	for _, c := range cookies {
		expires := c.Expires
		if expires == 0 {
			expires = time.Now().Add(24 * time.Hour).Unix()
		}
		flag := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			flag = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		sb.WriteString(fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, flag, path, secure, expires, c.Name, c.Value))
	}
	file := filepath.Join(ls.workDir, "cookies.txt")
	if err := os.WriteFile(file, []byte(sb.String()), 0600); err != nil {
		return "", errors.Wrap(err, "can't write cookie file")
	}
	return file, nil
}

// CookieHeader renders the url's cookies as a Cookie header value
func (ls *LoginStore) CookieHeader(rawURL string) string {
	cookies := ls.forURL(rawURL)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
