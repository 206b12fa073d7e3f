package mongo

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/status"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// staleProcessing is the horizon after which a processing job with no
// finishedAt is considered orphaned by a crashed worker and may be reclaimed
const staleProcessing = 30 * time.Minute

// JobStore keeps durable job records in mongo db
type JobStore struct {
	SessionProvider *SessionProvider
}

//NewJobStore creates JobStore instance
func NewJobStore(sessionProvider *SessionProvider) (*JobStore, error) {
	if sessionProvider == nil {
		return nil, errors.New("No session provider")
	}
	return &JobStore{SessionProvider: sessionProvider}, nil
}

func (js *JobStore) jobs() (*mongo.Collection, error) {
	c, err := js.SessionProvider.Client()
	if err != nil {
		return nil, err
	}
	return c.Database(store).Collection(jobTable), nil
}

// Create inserts a new pending job and returns its id
func (js *JobStore) Create(url string) (int64, error) {
	c, err := js.SessionProvider.Client()
	if err != nil {
		return 0, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	id, err := nextID(ctx, c, jobTable)
	if err != nil {
		return 0, errors.Wrap(err, "Can't get next job ID")
	}
	job := persistence.Job{ID: id, URL: url, Status: status.Pending, CreatedAt: time.Now().UTC()}
	_, err = c.Database(store).Collection(jobTable).InsertOne(ctx, job)
	if err != nil {
		return 0, errors.Wrap(err, "Can't insert job")
	}
	cmdapp.Log.Infof("Created job %d for %s", id, url)
	return id, nil
}

// Get returns a job by id, nil when not found
func (js *JobStore) Get(id int64) (*persistence.Job, error) {
	col, err := js.jobs()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	var res persistence.Job
	err = col.FindOne(ctx, bson.M{"ID": id}).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't get job")
	}
	return &res, nil
}

// List returns jobs ordered by id desc, optionally filtered by status
func (js *JobStore) List(st string, limit, offset int64) ([]persistence.Job, error) {
	col, err := js.jobs()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	filter := bson.M{}
	if st != "" {
		filter["status"] = sanitize(st)
	}
	opts := options.Find().SetSort(bson.M{"ID": -1}).SetLimit(limit).SetSkip(offset)
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "Can't list jobs")
	}
	defer cursor.Close(ctx)
	res := make([]persistence.Job, 0)
	if err := cursor.All(ctx, &res); err != nil {
		return nil, errors.Wrap(err, "Can't decode jobs")
	}
	return res, nil
}

// CheckDuplicate returns the most recent success job with the same url
func (js *JobStore) CheckDuplicate(url string) (*persistence.Job, error) {
	col, err := js.jobs()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	var res persistence.Job
	err = col.FindOne(ctx, duplicateFilter(url),
		options.FindOne().SetSort(bson.M{"ID": -1})).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't check duplicate")
	}
	return &res, nil
}

// ClaimNext atomically selects the oldest pending job (or an orphaned
// processing one) and marks it processing. Single winner under
// concurrent workers - mongo FindOneAndUpdate is atomic per document.
func (js *JobStore) ClaimNext() (*persistence.Job, error) {
	col, err := js.jobs()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"$or": bson.A{
		bson.M{"status": status.Pending},
		bson.M{"status": status.Processing, "finishedAt": nil,
			"startedAt": bson.M{"$lt": now.Add(-staleProcessing)}},
	}}
	update := bson.M{"$set": bson.M{"status": status.Processing, "startedAt": now}}
	opts := options.FindOneAndUpdate().SetSort(bson.M{"ID": 1}).
		SetReturnDocument(options.After)

	var res persistence.Job
	err = col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't claim job")
	}
	cmdapp.Log.Infof("Claimed job %d", res.ID)
	return &res, nil
}

// UpdateStatus changes job status
func (js *JobStore) UpdateStatus(id int64, st string) error {
	col, err := js.jobs()
	if err != nil {
		return err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	_, err = col.UpdateOne(ctx, bson.M{"ID": id}, bson.M{"$set": bson.M{"status": st}})
	return errors.Wrap(err, "Can't update status")
}

// UpdateResult deep-merges patch into the job result map. The merge is
// expressed as dotted $set paths, so concurrent stage writes never
// clobber sibling keys and readers never see a partial patch.
func (js *JobStore) UpdateResult(id int64, patch map[string]interface{}, st string) error {
	col, err := js.jobs()
	if err != nil {
		return err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	set := bson.M{}
	flattenResult("result", patch, set)
	if st != "" {
		set["status"] = st
	}
	if len(set) == 0 {
		return nil
	}
	_, err = col.UpdateOne(ctx, bson.M{"ID": id}, bson.M{"$set": set})
	return errors.Wrap(err, "Can't update result")
}

// FinishSuccess terminates a job with success
func (js *JobStore) FinishSuccess(id int64, result map[string]interface{}) error {
	return js.finish(id, status.Success, result, "")
}

// FinishFailed terminates a job with the failure reason
func (js *JobStore) FinishFailed(id int64, errMsg string) error {
	return js.finish(id, status.Failed, nil, errMsg)
}

func (js *JobStore) finish(id int64, st string, result map[string]interface{}, errMsg string) error {
	col, err := js.jobs()
	if err != nil {
		return err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	set := bson.M{"status": st, "finishedAt": time.Now().UTC()}
	if errMsg != "" {
		set["error"] = errMsg
	}
	flattenResult("result", result, set)
	_, err = col.UpdateOne(ctx, bson.M{"ID": id}, bson.M{"$set": set})
	return errors.Wrap(err, "Can't finish job")
}

func flattenResult(prefix string, m map[string]interface{}, out bson.M) {
	for k, v := range m {
		key := prefix + "." + k
		if sub, ok := v.(map[string]interface{}); ok {
			flattenResult(key, sub, out)
			continue
		}
		out[key] = v
	}
}

func nextID(ctx context.Context, c *mongo.Client, name string) (int64, error) {
	var res struct {
		Seq int64 `bson:"seq"`
	}
	err := c.Database(store).Collection(counterTable).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&res)
	if err != nil {
		return 0, err
	}
	return res.Seq, nil
}

// duplicateFilter matches the exact stored url string. The url goes in
// as a bson value, never into an operator, so it needs no trimming -
// trimming would break urls with a trailing slash.
func duplicateFilter(url string) bson.M {
	return bson.M{"url": url, "status": status.Success}
}

// sanitize guards operator-typed filter values coming from query params
func sanitize(s string) string {
	return strings.Trim(s, "$/{}")
}
