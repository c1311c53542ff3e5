package handlers

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
	"github.com/tierfs/tierfs/pkg/streamio"
)

// maxFieldBytes bounds the non-file fields of a multipart upload form.
const maxFieldBytes = 4096

// FilesHandler serves the per-file endpoints.
type FilesHandler struct {
	svc     *files.Service
	metrics *metrics.FileMetrics
}

// NewFilesHandler creates the handler. Metrics may be nil.
func NewFilesHandler(svc *files.Service, m *metrics.FileMetrics) *FilesHandler {
	return &FilesHandler{svc: svc, metrics: m}
}

// Upload handles POST /api/v1/files.
//
// Two request shapes are accepted. A multipart/form-data body carries the
// content in a "file" part, with optional "folder_id" and "name" fields
// before it. Any other body is taken verbatim, addressed by the folder_id
// and name query parameters. Either way the content streams straight into
// the cache without buffering.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req := files.UploadRequest{CreatedBy: r.Header.Get("X-User-ID")}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		h.uploadForm(w, r, req)
		return
	}

	q := r.URL.Query()
	req.FolderID = q.Get("folder_id")
	req.Name = q.Get("name")
	req.MimeType = contentType
	req.Size = r.ContentLength
	req.Body = r.Body

	h.finishUpload(w, r, req)
}

// uploadForm consumes a multipart form, streaming the file part as soon as
// it appears. Fields after the file part are not seen.
func (h *FilesHandler) uploadForm(w http.ResponseWriter, r *http.Request, req files.UploadRequest) {
	mr, err := r.MultipartReader()
	if err != nil {
		respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "malformed multipart body")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "folder_id":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "malformed multipart body")
				return
			}
			req.FolderID = string(v)

		case "name":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "malformed multipart body")
				return
			}
			req.Name = string(v)

		case "file":
			if req.Name == "" {
				req.Name = part.FileName()
			}
			req.MimeType = part.Header.Get("Content-Type")
			req.Size = -1
			req.Body = part
			h.finishUpload(w, r, req)
			return
		}
	}

	respondBadState(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "multipart body carried no file part")
}

func (h *FilesHandler) finishUpload(w http.ResponseWriter, r *http.Request, req files.UploadRequest) {
	file, err := h.svc.Upload(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	h.metrics.RecordUpload("small", file.SizeBytes)
	respondOK(w, http.StatusCreated, newFileDTO(file))
}

// Get handles GET /api/v1/files/{fileID}.
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	file, err := h.svc.Get(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newFileDTO(file))
}

// Download handles GET /api/v1/files/{fileID}/download. Range and If-Range
// headers pass through to the service; the response streams from whichever
// tier the service picked.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Download(r.Context(), files.DownloadRequest{
		FileID:      chi.URLParam(r, "fileID"),
		RangeHeader: r.Header.Get("Range"),
		IfRange:     r.Header.Get("If-Range"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer dl.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", dl.ETag)
	w.Header().Set("Last-Modified", dl.File.UpdatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Disposition",
		dispositionFor(dl.File.MimeType)+"; filename*=UTF-8''"+url.PathEscape(dl.File.Name))
	if dl.File.MimeType != "" {
		w.Header().Set("Content-Type", dl.File.MimeType)
	}
	if dl.Checksum != "" {
		w.Header().Set("X-Checksum-SHA256", dl.Checksum)
	}
	if dl.ContentRange != "" {
		w.Header().Set("Content-Range", dl.ContentRange)
	}
	if dl.Body != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.ContentLength, 10))
	}
	w.WriteHeader(dl.Status)

	// A 416 has headers only.
	if dl.Body == nil {
		return
	}

	// The counter audits the stream against the promised length; a short
	// or long body is corruption the client cannot see past the cut.
	counter := streamio.NewCountingReader(dl.Body)
	if _, err := io.Copy(w, counter); err != nil {
		// The status line is out; all that is left is the log line.
		logger.WarnCtx(r.Context(), "download stream aborted",
			logger.KeyFileID, dl.File.ID,
			logger.KeyTier, strings.ToLower(string(dl.Tier)),
			logger.KeyError, err)
		return
	}

	if counter.Count() != dl.ContentLength {
		logger.ErrorCtx(r.Context(), "download stream length mismatch",
			logger.KeyFileID, dl.File.ID,
			logger.KeyTier, strings.ToLower(string(dl.Tier)),
			"sent_bytes", counter.Count(),
			"expected_bytes", dl.ContentLength)
		return
	}

	h.metrics.RecordDownload(strings.ToLower(string(dl.Tier)), counter.Count())
}

// previewMimeTypes are served inline so browsers render them in place of
// forcing a download. SVG stays out: inline SVG can carry script.
var previewMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"application/pdf": {},
	"text/plain":      {},
	"video/mp4":       {},
	"audio/mpeg":      {},
}

func dispositionFor(mimeType string) string {
	if _, ok := previewMimeTypes[mimeType]; ok {
		return "inline"
	}
	return "attachment"
}

// Rename handles POST /api/v1/files/{fileID}/rename.
func (h *FilesHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if !decodeJSONBody(w, r, &body) {
		return
	}

	file, err := h.svc.Rename(r.Context(), chi.URLParam(r, "fileID"), body.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newFileDTO(file))
}

// Move handles POST /api/v1/files/{fileID}/move.
func (h *FilesHandler) Move(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetFolderID string `json:"target_folder_id"`
		OnConflict     string `json:"on_conflict"`
	}
	if !decodeJSONBody(w, r, &body) {
		return
	}

	file, skipped, err := h.svc.Move(r.Context(), chi.URLParam(r, "fileID"),
		body.TargetFolderID, metadata.ConflictStrategy(body.OnConflict))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, moveDTO{File: newFileDTO(file), Skipped: skipped})
}

// Trash handles DELETE /api/v1/files/{fileID}.
func (h *FilesHandler) Trash(w http.ResponseWriter, r *http.Request) {
	file, err := h.svc.Trash(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newFileDTO(file))
}

// Restore handles POST /api/v1/files/{fileID}/restore.
func (h *FilesHandler) Restore(w http.ResponseWriter, r *http.Request) {
	file, err := h.svc.RestoreFromTrash(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newFileDTO(file))
}

// Purge handles DELETE /api/v1/files/{fileID}/purge.
func (h *FilesHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Purge(r.Context(), chi.URLParam(r, "fileID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncProgress handles GET /api/v1/files/{fileID}/sync.
func (h *FilesHandler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.SyncProgress(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newProgressDTO(entry))
}
