package persistence

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

//Canonical chat roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CoerceRole maps a free-form chat role onto user/assistant.
// Anything unknown is treated as user input.
func CoerceRole(role string) string {
	if role == "assistant" || role == "ai" || role == "bot" {
		return RoleAssistant
	}
	return RoleUser
}

// ParseChatTime accepts epoch milliseconds, epoch seconds or RFC3339
// and returns a timezone aware instant. Zero input returns now.
func ParseChatTime(v json.RawMessage) (time.Time, error) {
	if len(v) == 0 {
		return time.Now().UTC(), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if s == "" {
			return time.Now().UTC(), nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(n), nil
		}
		return time.Time{}, errors.Errorf("Can't parse timestamp '%s'", s)
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return epochToTime(n), nil
	}
	return time.Time{}, errors.Errorf("Can't parse timestamp %s", string(v))
}

// epoch seconds vs milliseconds is decided by magnitude, values past
// year 2286 in seconds are read as milliseconds
func epochToTime(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
