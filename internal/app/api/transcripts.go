package api

import (
	"net/http"
	"os"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"github.com/gorilla/mux"
)

type transcriptsListHandler struct {
	data *ServiceData
}

// TranscriptListResult - paginated transcript meta response
type TranscriptListResult struct {
	Items []interface{} `json:"items"`
	Total int64         `json:"total"`
}

func (h transcriptsListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	metas, err := h.data.Transcripts.ListMeta(limit, offset)
	if err != nil {
		setError(w, "Can not get transcripts", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	total, err := h.data.Transcripts.Count()
	if err != nil {
		setError(w, "Can not count transcripts", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	items := make([]interface{}, 0, len(metas))
	for _, m := range metas {
		items = append(items, m)
	}
	writeJSON(w, &TranscriptListResult{Items: items, Total: total})
}

type transcriptGetHandler struct {
	data *ServiceData
}

func (h transcriptGetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tr, err := h.data.Transcripts.Get(id)
	if err != nil {
		setError(w, "Can not get transcript", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if tr == nil {
		setError(w, "No transcript", http.StatusNotFound)
		return
	}
	writeJSON(w, tr)
}

type transcriptDeleteHandler struct {
	data *ServiceData
}

// DeleteResult - transcript delete response in JSON
type DeleteResult struct {
	Deleted        bool  `json:"deleted"`
	VectorsDropped int64 `json:"vectors_dropped"`
	FileDeleted    bool  `json:"file_deleted"`
}

// delete cascades: vector chunks first, then the media file when it
// lives inside the static dir, then the transcript row.
func (h transcriptDeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tr, err := h.data.Transcripts.Get(id)
	if err != nil {
		setError(w, "Can not get transcript", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if tr == nil {
		setError(w, "No transcript", http.StatusNotFound)
		return
	}

	res := &DeleteResult{}
	if h.data.Vectors != nil {
		dropped, err := h.data.Vectors.DeleteByTranscript(r.Context(), id)
		if err != nil {
			cmdapp.Log.Error("Can't drop vector chunks: ", err)
		} else {
			res.VectorsDropped = dropped
		}
	}

	for _, p := range []string{tr.AudioPath, tr.VideoPath} {
		if p == "" || !h.data.FileSaver.Contains(p) {
			continue
		}
		if err := os.Remove(p); err != nil {
			cmdapp.Log.Warnf("Can't remove media file %s: %v", p, err)
		} else {
			res.FileDeleted = true
		}
	}

	deleted, err := h.data.Transcripts.Delete(id)
	if err != nil {
		setError(w, "Can not delete transcript", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	res.Deleted = deleted
	writeJSON(w, res)
}
