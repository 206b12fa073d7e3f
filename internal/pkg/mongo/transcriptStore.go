package mongo

import (
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TranscriptStore keeps transcripts with their segments and sidecars
type TranscriptStore struct {
	SessionProvider *SessionProvider
}

//NewTranscriptStore creates TranscriptStore instance
func NewTranscriptStore(sessionProvider *SessionProvider) (*TranscriptStore, error) {
	if sessionProvider == nil {
		return nil, errors.New("No session provider")
	}
	return &TranscriptStore{SessionProvider: sessionProvider}, nil
}

func (ts *TranscriptStore) transcripts() (*mongo.Collection, error) {
	c, err := ts.SessionProvider.Client()
	if err != nil {
		return nil, err
	}
	return c.Database(store).Collection(transcriptTable), nil
}

// Save persists an already normalized segment list and returns the new transcript id
func (ts *TranscriptStore) Save(audioPath string, segments []persistence.Segment,
	mediaType, videoPath string) (string, error) {
	col, err := ts.transcripts()
	if err != nil {
		return "", err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	now := time.Now().UTC()
	tr := persistence.Transcript{ID: uuid.New().String(), AudioPath: audioPath,
		VideoPath: videoPath, MediaType: mediaType, Segments: segments,
		CreatedAt: now, UpdatedAt: now}
	if _, err := col.InsertOne(ctx, tr); err != nil {
		return "", errors.Wrap(err, "Can't insert transcript")
	}
	cmdapp.Log.Infof("Saved transcript %s (%d segments)", tr.ID, len(segments))
	return tr.ID, nil
}

// Get returns a transcript with segments and sidecars, nil when not found
func (ts *TranscriptStore) Get(id string) (*persistence.Transcript, error) {
	col, err := ts.transcripts()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	var res persistence.Transcript
	err = col.FindOne(ctx, bson.M{"ID": sanitize(id)}).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Can't get transcript")
	}
	return &res, nil
}

// ListMeta returns transcript rows without segments for pagination
func (ts *TranscriptStore) ListMeta(limit, offset int64) ([]persistence.TranscriptMeta, error) {
	col, err := ts.transcripts()
	if err != nil {
		return nil, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	opts := options.Find().SetSort(bson.M{"createdAt": -1}).SetLimit(limit).SetSkip(offset).
		SetProjection(bson.M{"segments": 0, "summaries": 0, "translations": 0, "chatMessages": 0})
	cursor, err := col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "Can't list transcripts")
	}
	defer cursor.Close(ctx)
	res := make([]persistence.TranscriptMeta, 0)
	if err := cursor.All(ctx, &res); err != nil {
		return nil, errors.Wrap(err, "Can't decode transcripts")
	}
	return res, nil
}

// Count returns the number of transcripts
func (ts *TranscriptStore) Count() (int64, error) {
	col, err := ts.transcripts()
	if err != nil {
		return 0, err
	}
	ctx, cancel := mongoContext()
	defer cancel()
	n, err := col.CountDocuments(ctx, bson.M{})
	return n, errors.Wrap(err, "Can't count transcripts")
}

// UpdateSegments replaces the segment list, used by the translation merge
func (ts *TranscriptStore) UpdateSegments(id string, segments []persistence.Segment) error {
	return ts.set(id, bson.M{"segments": segments})
}

// UpdateAudioPath rewrites the audio path on rows referencing the old one.
// Returns the number of updated rows.
func (ts *TranscriptStore) UpdateAudioPath(oldPath, newPath string) (int64, error) {
	col, err := ts.transcripts()
	if err != nil {
		return 0, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	res, err := col.UpdateMany(ctx, bson.M{"audioPath": sanitize(oldPath)},
		bson.M{"$set": bson.M{"audioPath": newPath, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "Can't update audio path")
	}
	return res.ModifiedCount, nil
}

// Delete removes the transcript row only. Cascade to media files and
// vector entries is the caller's responsibility.
func (ts *TranscriptStore) Delete(id string) (bool, error) {
	col, err := ts.transcripts()
	if err != nil {
		return false, err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	res, err := col.DeleteOne(ctx, bson.M{"ID": sanitize(id)})
	if err != nil {
		return false, errors.Wrap(err, "Can't delete transcript")
	}
	return res.DeletedCount > 0, nil
}

// SaveSummaries replaces the summaries sidecar
func (ts *TranscriptStore) SaveSummaries(id string, summaries []persistence.Summary) error {
	return ts.set(id, bson.M{"summaries": summaries})
}

// GetSummaries returns the summaries sidecar
func (ts *TranscriptStore) GetSummaries(id string) ([]persistence.Summary, error) {
	tr, err := ts.Get(id)
	if err != nil || tr == nil {
		return nil, err
	}
	return tr.Summaries, nil
}

// SaveTranslations replaces the translations sidecar
func (ts *TranscriptStore) SaveTranslations(id string,
	translations map[string][]persistence.TranslatedSegment) error {
	return ts.set(id, bson.M{"translations": translations})
}

// GetTranslations returns the translations sidecar
func (ts *TranscriptStore) GetTranslations(id string) (map[string][]persistence.TranslatedSegment, error) {
	tr, err := ts.Get(id)
	if err != nil || tr == nil {
		return nil, err
	}
	return tr.Translations, nil
}

// SaveChatMessages replaces the chat session sidecar. Roles are coerced
// to user/assistant before writing.
func (ts *TranscriptStore) SaveChatMessages(id string, msgs []persistence.ChatMessage) error {
	coerced := make([]persistence.ChatMessage, len(msgs))
	for i, m := range msgs {
		m.Role = persistence.CoerceRole(m.Role)
		coerced[i] = m
	}
	return ts.set(id, bson.M{"chatMessages": coerced})
}

// GetChatMessages returns the chat session sidecar
func (ts *TranscriptStore) GetChatMessages(id string) ([]persistence.ChatMessage, error) {
	tr, err := ts.Get(id)
	if err != nil || tr == nil {
		return nil, err
	}
	return tr.ChatMessages, nil
}

// ClearChatMessages drops the chat session sidecar
func (ts *TranscriptStore) ClearChatMessages(id string) error {
	return ts.set(id, bson.M{"chatMessages": []persistence.ChatMessage{}})
}

func (ts *TranscriptStore) set(id string, fields bson.M) error {
	col, err := ts.transcripts()
	if err != nil {
		return err
	}
	ctx, cancel := mongoContext()
	defer cancel()

	fields["updatedAt"] = time.Now().UTC()
	res, err := col.UpdateOne(ctx, bson.M{"ID": sanitize(id)}, bson.M{"$set": fields})
	if err != nil {
		return errors.Wrap(err, "Can't update transcript")
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("No transcript %s", id)
	}
	return nil
}
