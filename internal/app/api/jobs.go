package api

import (
	"net/http"
	"strconv"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"github.com/gorilla/mux"
)

type jobsListHandler struct {
	data *ServiceData
}

func (h jobsListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	st := r.URL.Query().Get("status")

	jobs, err := h.data.Jobs.List(st, limit, offset)
	if err != nil {
		setError(w, "Can not get jobs", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	writeJSON(w, jobs)
}

type jobGetHandler struct {
	data *ServiceData
}

func (h jobGetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		setError(w, "Wrong ID", http.StatusBadRequest)
		return
	}
	job, err := h.data.Jobs.Get(id)
	if err != nil {
		setError(w, "Can not get job", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	if job == nil {
		setError(w, "No job", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

type progressHandler struct {
	data *ServiceData
}

func (h progressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		setError(w, "No ID", http.StatusBadRequest)
		return
	}
	snapshot, err := h.data.Bus.GetSnapshot(id)
	if err != nil {
		setError(w, "Can not get progress", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	writeJSON(w, snapshot)
}
