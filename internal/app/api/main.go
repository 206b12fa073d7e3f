package api

import (
	"context"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/chat"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/compose"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/llm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/mongo"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/rabbit"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/saver"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/summarize"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/translate"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
)

var appName = "MediaScribe API Service"

var rootCmd = &cobra.Command{
	Use:   "apiService",
	Short: appName,
	Long:  `HTTP server exposing the media transcription pipeline and its knowledge surface`,
	Run:   run,
}

func init() {
	cmdapp.InitApplication(rootCmd)
	rootCmd.PersistentFlags().Int32P("port", "", 8000, "Default service port")
	cmdapp.Config.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	cmdapp.Config.SetDefault("port", 8000)
	cmdapp.Config.SetDefault("fileStorage.path", "/data/media/")
}

//Execute starts the server
func Execute() {
	cmdapp.Execute(rootCmd)
}

func run(cmd *cobra.Command, args []string) {
	cmdapp.Log.Info("Starting " + appName)
	var data ServiceData
	var err error
	data.health = healthcheck.NewHandler()

	fs, err := saver.NewLocalFileSaver(cmdapp.Config.GetString("fileStorage.path"))
	cmdapp.CheckOrPanic(err, "Can't init file storage")
	data.FileSaver = fs
	data.health.AddLivenessCheck("fs", fs.Healthy)

	msgChannelProvider, err := rabbit.NewChannelProvider()
	cmdapp.CheckOrPanic(err, "Can't init rabbit channel")
	defer msgChannelProvider.Close()
	data.health.AddLivenessCheck("rabbit", healthcheck.Async(msgChannelProvider.Healthy, 10*time.Second))

	err = initQueues(msgChannelProvider)
	cmdapp.CheckOrPanic(err, "Can't init queues")
	data.MessageSender = rabbit.NewSender(msgChannelProvider)
	data.EventCh, err = rabbit.NewChannel(msgChannelProvider,
		msgChannelProvider.QueueName(messages.JobEvent))
	cmdapp.CheckOrPanic(err, "Can't init event channel")

	mongoSessionProvider, err := mongo.NewSessionProvider()
	cmdapp.CheckOrPanic(err, "Can't init mongo")
	defer mongoSessionProvider.Close()
	data.health.AddLivenessCheck("mongo", healthcheck.Async(mongoSessionProvider.Healthy, 10*time.Second))

	jobs, err := mongo.NewJobStore(mongoSessionProvider)
	cmdapp.CheckOrPanic(err, "Can't init job store")
	data.Jobs = jobs
	transcripts, err := mongo.NewTranscriptStore(mongoSessionProvider)
	cmdapp.CheckOrPanic(err, "Can't init transcript store")
	data.Transcripts = transcripts

	bus, err := progress.NewBus()
	cmdapp.CheckOrPanic(err, "Can't init progress bus")
	defer bus.Close()
	data.Bus = bus
	data.health.AddLivenessCheck("redis", healthcheck.Async(bus.Healthy, 10*time.Second))

	embedder, err := vector.NewOpenAIEmbedder()
	cmdapp.CheckOrPanic(err, "Can't init embedder")
	indexStore, err := vector.NewIndexStore(embedder.Dimension())
	cmdapp.CheckOrPanic(err, "Can't init vector index")
	defer indexStore.Close()
	data.Vectors = indexStore
	data.health.AddLivenessCheck("postgres", healthcheck.Async(indexStore.Healthy, 10*time.Second))

	llmClient, err := llm.NewClient()
	cmdapp.CheckOrPanic(err, "Can't init llm client")

	composer, err := compose.NewComposer(transcripts, indexStore, embedder)
	cmdapp.CheckOrPanic(err, "Can't init composer")
	data.Composer = composer
	data.Chat = chat.NewRunner(llmClient, transcripts, bus)
	data.Summarizer = summarize.NewRunner(llmClient, composer, transcripts)

	translator, err := translate.NewRunner(llmClient)
	cmdapp.CheckOrPanic(err, "Can't init translator")
	data.Translator = &translatorAdapter{runner: translator}

	data.Port = cmdapp.Config.GetInt("port")

	err = StartWebServer(&data)
	cmdapp.CheckOrPanic(err, "Can't start web server")
}

func initQueues(prv *rabbit.ChannelProvider) error {
	cmdapp.Log.Info("Initializing queues")
	return prv.RunOnChannelWithRetry(func(ch *amqp.Channel) error {
		for _, q := range []string{messages.ProcessMedia, messages.JobEvent} {
			if _, err := rabbit.DeclareQueue(ch, prv.QueueName(q)); err != nil {
				return err
			}
		}
		return nil
	})
}

type translatorAdapter struct {
	runner *translate.Runner
}

func (a *translatorAdapter) Run(ctx context.Context, segments []persistence.Segment, target, source string,
	force bool, progress func(done, total int)) (*TranslateProgress, error) {
	res, err := a.runner.Run(ctx, segments, target, source, force, translate.ProgressFunc(progress))
	if err != nil {
		return nil, err
	}
	return &TranslateProgress{TranslatedCount: res.TranslatedCount, TotalCount: res.TotalCount,
		FailedIndices: res.FailedIndices}, nil
}
