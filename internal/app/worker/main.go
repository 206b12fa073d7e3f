package worker

import (
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/asr"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/ingest"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/mongo"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/norm"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/rabbit"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/saver"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
)

var appName = "MediaScribe Pipeline Worker"

var rootCmd = &cobra.Command{
	Use:   "pipelineWorker",
	Short: appName,
	Long:  `Worker service driving media jobs through download, recognition and indexing`,
	Run:   run,
}

func init() {
	cmdapp.InitApplication(rootCmd)
	cmdapp.Config.SetDefault("fileStorage.path", "/data/media/")
	cmdapp.Config.SetDefault("worker.pollInterval", "10s")
	cmdapp.Config.SetDefault("asr.mode", "local")
}

//Execute starts the server
func Execute() {
	cmdapp.Execute(rootCmd)
}

func run(cmd *cobra.Command, args []string) {
	cmdapp.Log.Info("Starting " + appName)
	var data ServiceData
	var err error

	fs, err := saver.NewLocalFileSaver(cmdapp.Config.GetString("fileStorage.path"))
	cmdapp.CheckOrPanic(err, "Can't init file storage")

	cookies := ingest.NewLoginStore(cmdapp.Config.GetString("ingest.cookiesPath"), fs.StoragePath)
	ingestor, err := ingest.NewIngestor(fs, cookies)
	cmdapp.CheckOrPanic(err, "Can't init ingestor")
	data.Ingestor = ingestor

	data.Transcriber, err = newTranscriber()
	cmdapp.CheckOrPanic(err, "Can't init transcriber")
	data.NormOpts = norm.Options{
		MergeByPunctuation: cmdapp.Config.GetBool("norm.mergeByPunctuation"),
		MergeShort:         cmdapp.Config.GetBool("norm.mergeShort"),
	}

	mongoSessionProvider, err := mongo.NewSessionProvider()
	cmdapp.CheckOrPanic(err, "Can't init mongo")
	defer mongoSessionProvider.Close()

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

	embedder, err := vector.NewOpenAIEmbedder()
	cmdapp.CheckOrPanic(err, "Can't init embedder")
	indexStore, err := vector.NewIndexStore(embedder.Dimension())
	cmdapp.CheckOrPanic(err, "Can't init vector index")
	defer indexStore.Close()
	data.Indexer = vector.NewIndexer(embedder, indexStore)

	msgChannelProvider, err := rabbit.NewChannelProvider()
	cmdapp.CheckOrPanic(err, "Can't init rabbit channel")
	defer msgChannelProvider.Close()
	err = initQueues(msgChannelProvider)
	cmdapp.CheckOrPanic(err, "Can't init queues")
	data.WakeCh, err = rabbit.NewChannel(msgChannelProvider,
		msgChannelProvider.QueueName(messages.ProcessMedia))
	cmdapp.CheckOrPanic(err, "Can't init wake-up channel")
	data.EventSender = rabbit.NewSender(msgChannelProvider)

	data.PollInterval = cmdapp.Config.GetDuration("worker.pollInterval")

	err = StartWorkerService(&data)
	cmdapp.CheckOrPanic(err, "Can't start worker")

	<-cmdapp.NewSignalChannel()
	cmdapp.Log.Info("Exiting " + appName)
}

func newTranscriber() (asr.Transcriber, error) {
	mode := cmdapp.Config.GetString("asr.mode")
	cmdapp.Log.Infof("ASR mode: %s", mode)
	if mode == "remote" {
		return asr.NewRemoteTranscriber()
	}
	return asr.NewLocalTranscriber()
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
