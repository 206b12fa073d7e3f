package api

import (
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/ingest"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"github.com/pkg/errors"
)

var allowedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".flac": true,
	".ogg": true, ".opus": true, ".wma": true,
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true, ".avi": true, ".flv": true,
}

type uploadHandler struct {
	data *ServiceData
}

// UploadResult - upload method response in JSON
type UploadResult struct {
	JobID     int64  `json:"job_id"`
	Basename  string `json:"basename"`
	StaticURL string `json:"static_url"`
	IsAudio   bool   `json:"is_audio"`
}

func (h uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cmdapp.Log.Infof("Saving file from %s", r.Host)

	err := r.ParseMultipartForm(512 << 20)
	if err != nil {
		setError(w, "Can't parse MultipartForm", http.StatusBadRequest)
		cmdapp.Log.Error(errors.Wrap(err, "Can't parse MultipartForm"))
		return
	}
	defer cleanFiles(r.MultipartForm)

	file, handler, err := r.FormFile("file")
	if err != nil {
		setError(w, "No file", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(handler.Filename))
	if !allowedExtensions[ext] {
		setError(w, "Unsupported file type "+ext, http.StatusBadRequest)
		cmdapp.Log.Errorf("Unsupported file type %s", ext)
		return
	}

	basename := h.data.FileSaver.UniqueName(handler.Filename)
	if err := h.data.FileSaver.Save(basename, file); err != nil {
		setError(w, "Can not save file", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}

	jobID, err := h.data.Jobs.Create(ingest.UploadScheme + basename)
	if err != nil {
		setError(w, "Can not save job", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	sendWakeUp(h.data, jobID)

	writeJSON(w, &UploadResult{JobID: jobID, Basename: basename,
		StaticURL: "/media/" + basename, IsAudio: ingest.IsAudioExt(ext)})
}

type renameHandler struct {
	data *ServiceData
}

type renameRequest struct {
	OldFilename string `json:"old_filename"`
	NewFilename string `json:"new_filename"`
}

// RenameResult - rename method response in JSON
type RenameResult struct {
	Basename          string `json:"basename"`
	StaticURL         string `json:"static_url"`
	TranscriptUpdated bool   `json:"transcript_updated"`
	JobsUpdated       int64  `json:"jobs_updated"`
}

// rename keeps the extension of the old file and de-conflicts the new
// name. The rename is propagated to transcript audio paths and job
// result paths; a store failure renames the file back.
func (h renameHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		setError(w, "Can't decode request", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	oldBase := filepath.Base(req.OldFilename)
	newBase := filepath.Base(req.NewFilename)
	if oldBase == "" || oldBase == "." || newBase == "" || newBase == "." {
		setError(w, "No file name", http.StatusBadRequest)
		return
	}

	ext := filepath.Ext(oldBase)
	if filepath.Ext(newBase) != ext {
		newBase = strings.TrimSuffix(newBase, filepath.Ext(newBase)) + ext
	}
	newBase = h.data.FileSaver.UniqueName(newBase)

	oldPath := filepath.Join(h.data.FileSaver.StoragePath, oldBase)
	newPath := filepath.Join(h.data.FileSaver.StoragePath, newBase)
	if _, err := os.Stat(oldPath); err != nil {
		setError(w, "No file "+oldBase, http.StatusNotFound)
		cmdapp.Log.Error(err)
		return
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		setError(w, "Can not rename file", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}

	matched, err := h.data.Transcripts.UpdateAudioPath(oldPath, newPath)
	if err != nil {
		cmdapp.Log.Error("Can't update transcript path, renaming back: ", err)
		if rerr := os.Rename(newPath, oldPath); rerr != nil {
			cmdapp.Log.Error("Can't rename back: ", rerr)
		}
		setError(w, "Can not update transcript", http.StatusInternalServerError)
		return
	}
	jobsUpdated, err := h.data.Jobs.RenameResultPaths(oldBase, newBase)
	if err != nil {
		cmdapp.Log.Error("Can't update job results: ", err)
	}

	writeJSON(w, &RenameResult{Basename: newBase, StaticURL: "/media/" + newBase,
		TranscriptUpdated: matched > 0, JobsUpdated: jobsUpdated})
}

type downloadHandler struct {
	data *ServiceData
}

type downloadRequest struct {
	URL string `json:"url"`
}

// DownloadResult - download method response in JSON
type DownloadResult struct {
	JobID     int64 `json:"job_id"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// download creates a job for a media url. A url already transcribed
// successfully is reported as duplicate with the old job id.
func (h downloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(r, &req); err != nil {
		setError(w, "Can't decode request", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		setError(w, "No url", http.StatusBadRequest)
		return
	}
	if !ingest.IsUploadURL(req.URL) {
		if _, err := ingest.DetectPlatform(req.URL); err != nil {
			setError(w, "Unsupported source", http.StatusBadRequest)
			cmdapp.Log.Error(err)
			return
		}
	}

	if dup, err := h.data.Jobs.CheckDuplicate(req.URL); err == nil && dup != nil {
		cmdapp.Log.Infof("Duplicate url, job %d", dup.ID)
		writeJSON(w, &DownloadResult{JobID: dup.ID, Duplicate: true})
		return
	}

	jobID, err := h.data.Jobs.Create(req.URL)
	if err != nil {
		setError(w, "Can not save job", http.StatusInternalServerError)
		cmdapp.Log.Error(err)
		return
	}
	sendWakeUp(h.data, jobID)
	writeJSON(w, &DownloadResult{JobID: jobID})
}

func sendWakeUp(data *ServiceData, jobID int64) {
	if data.MessageSender == nil {
		return
	}
	if err := data.MessageSender.Send(messages.NewQueueMessage(jobID), messages.ProcessMedia, ""); err != nil {
		cmdapp.Log.Error("Can't send wake-up message: ", err)
	}
}

func cleanFiles(f *multipart.Form) {
	if f != nil {
		f.RemoveAll()
	}
}
