package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
)

// UploadsHandler serves the multipart session endpoints.
type UploadsHandler struct {
	svc     *files.Service
	metrics *metrics.FileMetrics
}

// NewUploadsHandler creates the handler. Metrics may be nil.
func NewUploadsHandler(svc *files.Service, m *metrics.FileMetrics) *UploadsHandler {
	return &UploadsHandler{svc: svc, metrics: m}
}

// Initiate handles POST /api/v1/uploads. An admitted request answers 201
// with the session; a queued one answers 202 with the ticket to poll.
func (h *UploadsHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FolderID         string `json:"folder_id"`
		Name             string `json:"name"`
		Size             int64  `json:"size"`
		MimeType         string `json:"mime_type"`
		ConflictStrategy string `json:"conflict_strategy"`
		TicketID         string `json:"ticket_id"`
	}
	if !decodeJSONBody(w, r, &body) {
		return
	}

	res, err := h.svc.Initiate(r.Context(), files.InitiateRequest{
		FolderID:         body.FolderID,
		Name:             body.Name,
		Size:             body.Size,
		MimeType:         body.MimeType,
		CreatedBy:        r.Header.Get("X-User-ID"),
		ConflictStrategy: metadata.ConflictStrategy(body.ConflictStrategy),
		TicketID:         body.TicketID,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	if res.Ticket != nil {
		respondOK(w, http.StatusAccepted, newTicketDTO(res.Ticket))
		return
	}
	respondOK(w, http.StatusCreated, newSessionDTO(res.Session))
}

// Part handles PUT /api/v1/uploads/{sessionID}/parts/{partNumber}. The body
// is the raw part content.
func (h *UploadsHandler) Part(w http.ResponseWriter, r *http.Request) {
	partNumber, err := strconv.Atoi(chi.URLParam(r, "partNumber"))
	if err != nil {
		respondBadState(w, http.StatusBadRequest, "INVALID_PART_NUMBER", "part number is not an integer")
		return
	}

	res, err := h.svc.UploadPart(r.Context(), chi.URLParam(r, "sessionID"), partNumber, r.Body)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("ETag", `"`+res.ETag+`"`)
	respondOK(w, http.StatusOK, partDTO{
		PartNumber:    res.PartNumber,
		Size:          res.Size,
		ETag:          res.ETag,
		UploadedBytes: res.UploadedBytes,
		TotalParts:    res.TotalParts,
	})
}

// Complete handles POST /api/v1/uploads/{sessionID}/complete. The answer is
// 202 while the background finalization runs; re-posting is idempotent and
// keeps returning the same file ID.
func (h *UploadsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Complete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if res.Status == metadata.SessionCompleted {
		status = http.StatusOK
	}
	respondOK(w, status, completeDTO{
		FileID:  res.FileID,
		Skipped: res.Skipped,
		Status:  string(res.Status),
	})
}

// Status handles GET /api/v1/uploads/{sessionID}.
func (h *UploadsHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, sessionStatusDTO{
		Session:       newSessionDTO(res.Session),
		PartsUploaded: res.PartsUploaded,
		Percent:       res.Percent,
	})
}

// Abort handles DELETE /api/v1/uploads/{sessionID}.
func (h *UploadsHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Abort(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TicketStatus handles GET /api/v1/uploads/queue/{ticketID}.
func (h *UploadsHandler) TicketStatus(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.svc.TicketStatus(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, newTicketDTO(ticket))
}

// TicketCancel handles DELETE /api/v1/uploads/queue/{ticketID}. Cancelling
// an unknown or finished ticket is a no-op.
func (h *UploadsHandler) TicketCancel(w http.ResponseWriter, r *http.Request) {
	h.svc.CancelTicket(r.Context(), chi.URLParam(r, "ticketID"))
	w.WriteHeader(http.StatusNoContent)
}
