package mongo

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

//IndexData keeps index creation data
type IndexData struct {
	Table  string
	Field  string
	Unique bool
}

var indexData = []IndexData{
	{Table: jobTable, Field: "ID", Unique: true},
	{Table: jobTable, Field: "status", Unique: false},
	{Table: jobTable, Field: "url", Unique: false},
	{Table: transcriptTable, Field: "ID", Unique: true},
	{Table: transcriptTable, Field: "audioPath", Unique: false},
}

//SessionProvider connects and provides client for mongo DB
type SessionProvider struct {
	client *mongo.Client
	URL    string
	m      sync.Mutex // struct field mutex
}

//NewSessionProvider creates Mongo session provider
func NewSessionProvider() (*SessionProvider, error) {
	url := cmdapp.Config.GetString("mongo.url")
	if url == "" {
		return nil, errors.New("No Mongo url provided")
	}
	return &SessionProvider{URL: url}, nil
}

//Close closes mongo client
func (sp *SessionProvider) Close() {
	if sp.client != nil {
		_ = sp.client.Disconnect(context.Background())
	}
}

//Client returns lazily initialized mongo client
func (sp *SessionProvider) Client() (*mongo.Client, error) {
	sp.m.Lock()
	defer sp.m.Unlock()

	if sp.client == nil {
		cmdapp.Log.Info("Dial mongo: " + utils.HidePass(sp.URL))
		ctx, cancel := mongoContext()
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sp.URL))
		if err != nil {
			return nil, errors.Wrap(err, "Can't dial to mongo")
		}
		if err := checkIndexes(client); err != nil {
			return nil, errors.Wrap(err, "Can't create indexes")
		}
		sp.client = client
	}
	return sp.client, nil
}

//Healthy checks the connection, used by the healthcheck endpoint
func (sp *SessionProvider) Healthy() error {
	c, err := sp.Client()
	if err != nil {
		return err
	}
	ctx, cancel := mongoContext()
	defer cancel()
	return c.Ping(ctx, readpref.Primary())
}

func checkIndexes(c *mongo.Client) error {
	for _, index := range indexData {
		if err := checkIndex(c, index); err != nil {
			return errors.Wrap(err, "Can't create index: "+index.Table+":"+index.Field)
		}
	}
	return nil
}

func checkIndex(c *mongo.Client, data IndexData) error {
	ctx, cancel := mongoContext()
	defer cancel()
	_, err := c.Database(store).Collection(data.Table).Indexes().CreateOne(ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: data.Field, Value: 1}},
			Options: options.Index().SetUnique(data.Unique).SetSparse(true),
		})
	return err
}

func mongoContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
