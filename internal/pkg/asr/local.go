package asr

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// LocalTranscriber talks to the local batch recognizer, a pinned model
// stack (acoustic + VAD + punctuation + speaker) served by a helper
// process. The process is a process-wide singleton started lazily on
// first use, callers must not mutate it. Output times are milliseconds.
type LocalTranscriber struct {
	serverURL string
	startCmd  string
	workDir   string

	m          sync.Mutex // guards one-shot server start
	started    bool
	cmd        *exec.Cmd
	httpclient *retryablehttp.Client
}

//NewLocalTranscriber creates the adapter from asr.local.* config
func NewLocalTranscriber() (*LocalTranscriber, error) {
	url, err := utils.GetURLFromConfig("asr.local.url")
	if err != nil {
		return nil, err
	}
	res := &LocalTranscriber{
		serverURL: url,
		startCmd:  cmdapp.Config.GetString("asr.local.startCmd"),
		workDir:   cmdapp.Config.GetString("asr.local.workDir"),
	}
	res.httpclient = retryablehttp.NewClient()
	res.httpclient.RetryMax = 2
	res.httpclient.Logger = nil
	res.httpclient.HTTPClient.Timeout = 30 * time.Minute
	return res, nil
}

type localResponse struct {
	Segments []RawSegment `json:"segments"`
	Error    string       `json:"error,omitempty"`
}

// Transcribe posts the audio file path to the recognizer server.
// The whole recognition is one blocking call.
func (lt *LocalTranscriber) Transcribe(ctx context.Context, audioPath string) ([]RawSegment, error) {
	if err := lt.ensureStarted(); err != nil {
		return nil, errors.Wrapf(utils.ErrASRUnavailable, "recognizer not available: %v", err)
	}

	body := strings.NewReader(`{"audio_path":` + jsonString(audioPath) + `,"with_speaker":true}`)
	req, err := retryablehttp.NewRequest("POST", utils.URLJoin(lt.serverURL, "recognize"), body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := lt.httpclient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(utils.ErrASRUnavailable, "recognize call failed: %v", err)
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return nil, errors.Wrap(utils.ErrASRUnavailable, err.Error())
	}

	var res localResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrapf(utils.ErrASRParse, "can't decode recognizer response: %v", err)
	}
	if res.Error != "" {
		return nil, errors.Wrap(utils.ErrASRUnavailable, res.Error)
	}
	return dropEmpty(res.Segments), nil
}

// ensureStarted performs the one-shot, mutex guarded model server start
func (lt *LocalTranscriber) ensureStarted() error {
	lt.m.Lock()
	defer lt.m.Unlock()

	if lt.started {
		return nil
	}
	if lt.startCmd != "" {
		cmdArr := strings.Fields(lt.startCmd)
		cmd := exec.Command(cmdArr[0], cmdArr[1:]...)
		cmd.Dir = lt.workDir
		w := cmdapp.Log.Writer()
		cmd.Stdout = w
		cmd.Stderr = w
		cmdapp.Log.Infof("Starting local recognizer: %s", lt.startCmd)
		if err := cmd.Start(); err != nil {
			return errors.Wrap(err, "can't start recognizer process")
		}
		lt.cmd = cmd
	}
	if err := lt.waitReady(); err != nil {
		return err
	}
	lt.started = true
	return nil
}

func (lt *LocalTranscriber) waitReady() error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(func() error {
		resp, err := lt.httpclient.HTTPClient.Get(utils.URLJoin(lt.serverURL, "health"))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return utils.ValidateResponse(resp)
	}, bo)
}

// Close terminates the recognizer process if this adapter started it
func (lt *LocalTranscriber) Close() error {
	lt.m.Lock()
	defer lt.m.Unlock()
	if lt.cmd != nil && lt.cmd.Process != nil {
		cmdapp.Log.Infof("Stopping local recognizer pid %d", lt.cmd.Process.Pid)
		return lt.cmd.Process.Kill()
	}
	return nil
}

func dropEmpty(in []RawSegment) []RawSegment {
	res := make([]RawSegment, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s.Sentence) == "" {
			continue
		}
		res = append(res, s)
	}
	return res
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
