package progress

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 24 * time.Hour

//Snapshot is the latest-only progress record of a job
type Snapshot struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Stage           string  `json:"stage,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	Filename        string  `json:"filename,omitempty"`
	Message         string  `json:"message,omitempty"`
	CurrentBytes    int64   `json:"current_bytes,omitempty"`
	TotalBytes      int64   `json:"total_bytes,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	ETASeconds      float64 `json:"eta_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}

//Event is one streamed chat event: chunk, complete or error
type Event struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

//SnapshotKey makes the progress KV key for a job
func SnapshotKey(jobID string) string {
	return "task_progress:" + jobID
}

//ChatChannel makes the token stream channel name for a job
func ChatChannel(jobID string) string {
	return "chat_stream:" + jobID
}

// Bus is the per-job latest-progress snapshot store plus the pub/sub
// token channel, both over one redis connection
type Bus struct {
	rdb *redis.Client
}

//NewBus connects to redis using redis.addr/redis.password config
func NewBus() (*Bus, error) {
	addr := cmdapp.Config.GetString("redis.addr")
	if addr == "" {
		return nil, errors.New("No redis.addr provided")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cmdapp.Config.GetString("redis.password"),
	})
	return &Bus{rdb: rdb}, nil
}

//NewBusWithClient wraps an existing client, used by tests
func NewBusWithClient(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

//Healthy pings redis
func (b *Bus) Healthy() error {
	ctx, cancel := busContext()
	defer cancel()
	return b.rdb.Ping(ctx).Err()
}

//Close closes the redis connection
func (b *Bus) Close() {
	_ = b.rdb.Close()
}

// SetSnapshot stores the latest snapshot with a 24h TTL. Best effort:
// when the pipelined write fails it falls back to a direct SET with the
// same key and TTL before giving up.
func (b *Bus) SetSnapshot(s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "Can't marshal snapshot")
	}
	key := SnapshotKey(s.JobID)
	ctx, cancel := busContext()
	defer cancel()

	_, err = b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, snapshotTTL)
		return nil
	})
	if err != nil {
		cmdapp.Log.Warnf("Snapshot pipeline failed, direct set: %v", err)
		err = b.rdb.Set(ctx, key, data, snapshotTTL).Err()
	}
	return errors.Wrap(err, "Can't set snapshot")
}

// GetSnapshot returns the latest snapshot, an idle default when absent
func (b *Bus) GetSnapshot(jobID string) (*Snapshot, error) {
	ctx, cancel := busContext()
	defer cancel()

	data, err := b.rdb.Get(ctx, SnapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return &Snapshot{JobID: jobID, Status: status.Idle, ProgressPercent: 0}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't get snapshot")
	}
	var res Snapshot
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "Can't unmarshal snapshot")
	}
	return &res, nil
}

// Publish sends one event on a channel
func (b *Bus) Publish(channel string, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "Can't marshal event")
	}
	ctx, cancel := busContext()
	defer cancel()
	return errors.Wrap(b.rdb.Publish(ctx, channel, data).Err(), "Can't publish event")
}

// Subscribe listens on a channel until ctx is done. The returned
// channel is closed on unsubscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string) <-chan Event {
	sub := b.rdb.Subscribe(ctx, channel)
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					cmdapp.Log.Warnf("Skip bad event: %v", err)
					continue
				}
				out <- ev
			}
		}
	}()
	return out
}

func busContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
