package asr

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// RemoteTranscriber drives a cloud transcription service: submit an
// async task for an audio URL, poll its status on a fixed interval
// within a bounded horizon, then fetch and parse the result document.
// The service only accepts URLs - local paths are rejected with a
// direction to upload first. Output times are milliseconds.
type RemoteTranscriber struct {
	submitURL string
	statusURL string
	resultURL string
	language  string

	pollInterval time.Duration
	pollHorizon  time.Duration
	httpclient   *retryablehttp.Client
}

//NewRemoteTranscriber creates the adapter from asr.remote.* config
func NewRemoteTranscriber() (*RemoteTranscriber, error) {
	res := &RemoteTranscriber{}
	var err error
	res.submitURL, err = utils.GetURLFromConfig("asr.remote.url.submit")
	if err != nil {
		return nil, err
	}
	res.statusURL, err = utils.GetURLFromConfig("asr.remote.url.status")
	if err != nil {
		return nil, err
	}
	res.resultURL, err = utils.GetURLFromConfig("asr.remote.url.result")
	if err != nil {
		return nil, err
	}
	res.language = cmdapp.Config.GetString("asr.remote.language")

	res.pollInterval = cmdapp.Config.GetDuration("asr.remote.pollInterval")
	if res.pollInterval <= 0 {
		res.pollInterval = 5 * time.Second
	}
	res.pollHorizon = cmdapp.Config.GetDuration("asr.remote.pollHorizon")
	if res.pollHorizon <= 0 {
		res.pollHorizon = 10 * time.Minute
	}
	res.httpclient = retryablehttp.NewClient()
	res.httpclient.RetryMax = 3
	res.httpclient.Logger = nil
	return res, nil
}

// Transcribe submits, polls and fetches. audioPath must be a URL the
// service can reach.
func (rt *RemoteTranscriber) Transcribe(ctx context.Context, audioPath string) ([]RawSegment, error) {
	if !strings.HasPrefix(audioPath, "http://") && !strings.HasPrefix(audioPath, "https://") {
		return nil, errors.Wrapf(utils.ErrInvalidInput,
			"remote transcriber needs a URL, upload '%s' first", audioPath)
	}
	taskID, err := rt.submit(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	cmdapp.Log.Infof("Submitted remote ASR task %s", taskID)
	if err := rt.waitCompleted(ctx, taskID); err != nil {
		return nil, err
	}
	return rt.fetchResult(ctx, taskID)
}

func (rt *RemoteTranscriber) submit(ctx context.Context, audioURL string) (string, error) {
	body := map[string]interface{}{"file_url": audioURL, "with_speaker": true}
	if rt.language != "" {
		body["language_hints"] = strings.Split(rt.language, ",")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequest("POST", rt.submitURL, data)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := rt.httpclient.Do(req)
	if err != nil {
		return "", errors.Wrapf(utils.ErrASRUnavailable, "submit failed: %v", err)
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return "", errors.Wrap(utils.ErrASRUnavailable, err.Error())
	}
	var res struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", errors.Wrapf(utils.ErrASRParse, "can't decode submit response: %v", err)
	}
	if res.TaskID == "" {
		return "", errors.Wrap(utils.ErrASRParse, "no task_id in submit response")
	}
	return res.TaskID, nil
}

// waitCompleted polls with a fixed interval within the horizon.
// Exhaustion fails the stage with task_status=timeout.
func (rt *RemoteTranscriber) waitCompleted(ctx context.Context, taskID string) error {
	deadline := time.Now().Add(rt.pollHorizon)
	for {
		st, err := rt.getStatus(ctx, taskID)
		if err != nil {
			cmdapp.Log.Warnf("Status poll failed: %v", err)
		} else {
			switch st {
			case "success", "completed":
				return nil
			case "failed":
				return errors.Wrapf(utils.ErrASRUnavailable, "task %s failed", taskID)
			}
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(utils.ErrASRTimeout, "task %s task_status=timeout after %v",
				taskID, rt.pollHorizon)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rt.pollInterval):
		}
	}
}

func (rt *RemoteTranscriber) getStatus(ctx context.Context, taskID string) (string, error) {
	req, err := retryablehttp.NewRequest("GET", utils.URLJoin(rt.statusURL, taskID), nil)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	resp, err := rt.httpclient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return "", err
	}
	var res struct {
		TaskStatus string `json:"task_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	return strings.ToLower(res.TaskStatus), nil
}

// remote result document: per channel sentence lists
type remoteResult struct {
	Channels []struct {
		ChannelID json.Number `json:"channel_id"`
		Sentences []struct {
			Text      string      `json:"text"`
			BeginTime json.Number `json:"begin_time"`
			EndTime   json.Number `json:"end_time"`
		} `json:"sentences"`
	} `json:"channels"`
}

func (rt *RemoteTranscriber) fetchResult(ctx context.Context, taskID string) ([]RawSegment, error) {
	req, err := retryablehttp.NewRequest("GET", utils.URLJoin(rt.resultURL, taskID), nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	resp, err := rt.httpclient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(utils.ErrASRUnavailable, "result fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if err := utils.ValidateResponse(resp); err != nil {
		return nil, errors.Wrap(utils.ErrASRUnavailable, err.Error())
	}

	var doc remoteResult
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, errors.Wrapf(utils.ErrASRParse, "can't decode result document: %v", err)
	}
	res := make([]RawSegment, 0)
	for _, ch := range doc.Channels {
		spk := numberString(ch.ChannelID)
		for _, s := range ch.Sentences {
			if strings.TrimSpace(s.Text) == "" {
				continue
			}
			spkCopy := spk
			res = append(res, RawSegment{
				Sentence:  s.Text,
				StartTime: numberFloat(s.BeginTime),
				EndTime:   numberFloat(s.EndTime),
				SpkID:     &spkCopy,
			})
		}
	}
	// channels come as separate sentence lists, restore the timeline
	sort.SliceStable(res, func(i, j int) bool { return res[i].StartTime < res[j].StartTime })
	return res, nil
}

func numberFloat(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func numberString(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}
