package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/progress"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/saver"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/vector"
	"github.com/facebookgo/grace/gracehttp"
	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
)

// Jobs is the job store surface used by the HTTP layer
type Jobs interface {
	Create(url string) (int64, error)
	Get(id int64) (*persistence.Job, error)
	List(st string, limit, offset int64) ([]persistence.Job, error)
	CheckDuplicate(url string) (*persistence.Job, error)
	RenameResultPaths(oldBase, newBase string) (int64, error)
}

// Transcripts is the transcript store surface used by the HTTP layer
type Transcripts interface {
	Get(id string) (*persistence.Transcript, error)
	ListMeta(limit, offset int64) ([]persistence.TranscriptMeta, error)
	Count() (int64, error)
	UpdateSegments(id string, segments []persistence.Segment) error
	UpdateAudioPath(oldPath, newPath string) (int64, error)
	Delete(id string) (bool, error)
	GetSummaries(id string) ([]persistence.Summary, error)
	GetTranslations(id string) (map[string][]persistence.TranslatedSegment, error)
	SaveTranslations(id string, translations map[string][]persistence.TranslatedSegment) error
	GetChatMessages(id string) ([]persistence.ChatMessage, error)
	SaveChatMessages(id string, msgs []persistence.ChatMessage) error
	ClearChatMessages(id string) error
}

// VectorIndex is the chunk index surface used by the HTTP layer
type VectorIndex interface {
	GetDoc(ctx context.Context, docID string) (*vector.SearchHit, error)
	DeleteByTranscript(ctx context.Context, transcriptID string) (int64, error)
}

// ProgressBus is the snapshot + event surface used by the HTTP layer
type ProgressBus interface {
	GetSnapshot(jobID string) (*progress.Snapshot, error)
	SetSnapshot(s *progress.Snapshot) error
	Publish(channel string, ev *progress.Event) error
	Subscribe(ctx context.Context, channel string) <-chan progress.Event
}

// Composer builds prompt contexts for chat and summaries
type Composer interface {
	Compose(ctx context.Context, question string, transcriptIDs []string) (string, error)
}

// ChatRunner streams an answer for a composed prompt
type ChatRunner interface {
	Run(ctx context.Context, jobID, transcriptID, question, prompt string) (string, error)
}

// Summarizer produces and stores a transcript summary
type Summarizer interface {
	Run(ctx context.Context, transcriptID string) (string, error)
}

// Translator translates segments in place
type Translator interface {
	Run(ctx context.Context, segments []persistence.Segment, target, source string,
		force bool, progress func(done, total int)) (*TranslateProgress, error)
}

// TranslateProgress mirrors the translation run totals
type TranslateProgress struct {
	TranslatedCount int   `json:"translated_count"`
	TotalCount      int   `json:"total_count"`
	FailedIndices   []int `json:"failed_indices,omitempty"`
}

type serviceMetric struct {
	responseDur prometheus.ObserverVec
	uploadSize  prometheus.ObserverVec
}

// ServiceData keeps data required for service work
type ServiceData struct {
	Jobs          Jobs
	Transcripts   Transcripts
	Vectors       VectorIndex
	Bus           ProgressBus
	Composer      Composer
	Chat          ChatRunner
	Summarizer    Summarizer
	Translator    Translator
	FileSaver     *saver.LocalFileSaver
	MessageSender messages.Sender
	EventCh       <-chan amqp.Delivery

	Port    int
	health  healthcheck.Handler
	metrics serviceMetric
}

//StartWebServer starts the HTTP service and listens for the requests
func StartWebServer(data *ServiceData) error {
	cmdapp.Log.Infof("Starting HTTP service at %d", data.Port)
	r := NewRouter(data)

	if data.EventCh != nil {
		go listenJobEvents(data)
	}

	portStr := strconv.Itoa(data.Port)
	srv := http.Server{
		Addr:              ":" + portStr,
		WriteTimeout:      0,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       300 * time.Second,
		Handler:           r,
	}

	w := cmdapp.Log.Writer()
	defer w.Close()
	l := log.New(w, "", 0)
	gracehttp.SetLogger(l)

	return gracehttp.Serve(&srv)
}

//NewRouter creates the router for HTTP service
func NewRouter(data *ServiceData) *mux.Router {
	initMetrics(data)
	initHealth(data)
	router := mux.NewRouter().StrictSlash(true)

	router.Methods("POST").Path("/api/upload").Handler(instrument(data,
		promhttp.InstrumentHandlerRequestSize(data.metrics.uploadSize, uploadHandler{data: data}), "upload"))
	router.Methods("POST").Path("/api/upload/rename").Handler(instrument(data, renameHandler{data: data}, "rename"))
	router.Methods("POST").Path("/api/download").Handler(instrument(data, downloadHandler{data: data}, "download"))

	router.Methods("GET").Path("/api/jobs").Handler(instrument(data, jobsListHandler{data: data}, "jobs"))
	router.Methods("POST").Path("/api/jobs").Handler(instrument(data, downloadHandler{data: data}, "jobs"))
	router.Methods("GET").Path("/api/jobs/{id}").Handler(instrument(data, jobGetHandler{data: data}, "jobs"))

	router.Methods("GET").Path("/api/docs/{id}").Handler(instrument(data, docDetailsHandler{data: data}, "docs"))

	router.Methods("GET").Path("/api/transcripts").Handler(instrument(data, transcriptsListHandler{data: data}, "transcripts"))
	router.Methods("GET").Path("/api/transcripts/{id}").Handler(instrument(data, transcriptGetHandler{data: data}, "transcripts"))
	router.Methods("DELETE").Path("/api/transcripts/{id}").Handler(instrument(data, transcriptDeleteHandler{data: data}, "transcripts"))

	router.Methods("POST").Path("/api/summarize").Handler(instrument(data, summarizeHandler{data: data}, "summarize"))
	router.Methods("POST").Path("/api/chat").Handler(instrument(data, chatHandler{data: data}, "chat"))
	router.Methods("POST").Path("/api/chat/stream").Handler(chatStreamHandler{data: data})
	router.Methods("GET").Path("/api/chat/history/{id}").Handler(instrument(data, chatHistoryHandler{data: data}, "chat"))
	router.Methods("DELETE").Path("/api/chat/history/{id}").Handler(instrument(data, chatClearHandler{data: data}, "chat"))
	router.Methods("POST").Path("/api/translate").Handler(instrument(data, translateHandler{data: data}, "translate"))

	router.Methods("GET").Path("/api/progress/task/{id}").Handler(instrument(data, progressHandler{data: data}, "progress"))
	router.Handle("/ws/progress", websocketHandler{data: data})

	if data.FileSaver != nil {
		router.PathPrefix("/media/").Handler(http.StripPrefix("/media/",
			http.FileServer(http.Dir(data.FileSaver.StoragePath))))
	}

	router.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	router.Methods("GET").Path("/live").HandlerFunc(data.health.LiveEndpoint)
	router.Methods("GET").Path("/ready").HandlerFunc(data.health.ReadyEndpoint)
	return router
}

func instrument(data *ServiceData, h http.Handler, name string) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		data.metrics.responseDur.MustCurryWith(prometheus.Labels{"handler": name}), h)
}

func initMetrics(data *ServiceData) {
	if data.metrics.responseDur != nil {
		return
	}
	data.metrics.responseDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mediascribe_api_response_seconds",
			Help: "Response duration of api requests",
		}, []string{"handler", "code", "method"})
	data.metrics.uploadSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediascribe_api_upload_bytes",
			Help:    "Size of uploaded media",
			Buckets: prometheus.ExponentialBuckets(1024, 8, 8),
		}, []string{"code", "method"})
	cmdapp.LogIf(prometheus.Register(data.metrics.responseDur))
	cmdapp.LogIf(prometheus.Register(data.metrics.uploadSize))
}

func initHealth(data *ServiceData) {
	if data.health != nil {
		return
	}
	data.health = healthcheck.NewHandler()
	if data.FileSaver != nil {
		data.health.AddReadinessCheck("storage", data.FileSaver.Healthy)
	}
	if h, ok := data.Bus.(interface{ Healthy() error }); ok {
		data.health.AddReadinessCheck("redis", h.Healthy)
	}
}

func setError(w http.ResponseWriter, msg string, code int) {
	http.Error(w, msg, code)
}

// errCode maps domain error kinds onto HTTP statuses
func errCode(err error) int {
	switch errors.Cause(err) {
	case utils.ErrInvalidInput, utils.ErrUnsupportedSource:
		return http.StatusBadRequest
	case utils.ErrNotFound, utils.ErrDuplicateMediaMissing:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cmdapp.Log.Error("Can't encode response: ", err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(utils.ErrInvalidInput, err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, def int64) int64 {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	res, err := strconv.ParseInt(s, 10, 64)
	if err != nil || res < 0 {
		return def
	}
	return res
}
