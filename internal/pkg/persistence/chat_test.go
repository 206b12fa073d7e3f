package persistence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoerceRole(t *testing.T) {
	assert.Equal(t, RoleAssistant, CoerceRole("assistant"))
	assert.Equal(t, RoleAssistant, CoerceRole("ai"))
	assert.Equal(t, RoleAssistant, CoerceRole("bot"))
	assert.Equal(t, RoleUser, CoerceRole("user"))
	assert.Equal(t, RoleUser, CoerceRole("human"))
	assert.Equal(t, RoleUser, CoerceRole(""))
}

func TestParseChatTime_RFC3339(t *testing.T) {
	tm, err := ParseChatTime(json.RawMessage(`"2024-05-01T10:20:30Z"`))
	assert.Nil(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC), tm)
}

func TestParseChatTime_EpochSeconds(t *testing.T) {
	tm, err := ParseChatTime(json.RawMessage(`1714558830`))
	assert.Nil(t, err)
	assert.Equal(t, int64(1714558830), tm.Unix())
}

func TestParseChatTime_EpochMillis(t *testing.T) {
	tm, err := ParseChatTime(json.RawMessage(`1714558830123`))
	assert.Nil(t, err)
	assert.Equal(t, int64(1714558830123), tm.UnixMilli())
}

func TestParseChatTime_NumericString(t *testing.T) {
	tm, err := ParseChatTime(json.RawMessage(`"1714558830"`))
	assert.Nil(t, err)
	assert.Equal(t, int64(1714558830), tm.Unix())
}

func TestParseChatTime_Empty(t *testing.T) {
	tm, err := ParseChatTime(nil)
	assert.Nil(t, err)
	assert.WithinDuration(t, time.Now().UTC(), tm, time.Second)
}

func TestParseChatTime_Fails(t *testing.T) {
	_, err := ParseChatTime(json.RawMessage(`"olia"`))
	assert.NotNil(t, err)
}
