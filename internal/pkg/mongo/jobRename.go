package mongo

import (
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// RenameResultPaths rewrites every job result payload that references the
// old basename. Returns the number of updated jobs.
func (js *JobStore) RenameResultPaths(oldBase, newBase string) (int64, error) {
	col, err := js.jobs()
	if err != nil {
		return 0, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	cursor, err := col.Find(ctx, bson.M{"result.basename": sanitize(oldBase)})
	if err != nil {
		return 0, errors.Wrap(err, "Can't find jobs by basename")
	}
	defer cursor.Close(ctx)

	var updated int64
	for cursor.Next(ctx) {
		var job persistence.Job
		if err := cursor.Decode(&job); err != nil {
			return updated, errors.Wrap(err, "Can't decode job")
		}
		set := bson.M{"result.basename": newBase}
		for _, key := range []string{persistence.ResAudioPath, persistence.ResVideoPath,
			persistence.ResStaticURL} {
			if v := persistence.ResultString(job.Result, key); v != "" {
				set["result."+key] = strings.ReplaceAll(v, oldBase, newBase)
			}
		}
		res, err := col.UpdateOne(ctx, bson.M{"ID": job.ID}, bson.M{"$set": set})
		if err != nil {
			return updated, errors.Wrapf(err, "Can't update job %d", job.ID)
		}
		updated += res.ModifiedCount
	}
	cmdapp.Log.Infof("Renamed %s -> %s in %d job results", oldBase, newBase, updated)
	return updated, nil
}
