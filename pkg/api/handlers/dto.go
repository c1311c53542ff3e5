package handlers

import (
	"time"

	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/progress"
)

// The metadata models carry gorm tags, not wire tags; everything leaving the
// API goes through these DTOs.

type fileDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FolderID  string    `json:"folder_id"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type,omitempty"`
	State     string    `json:"state"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newFileDTO(f *metadata.File) fileDTO {
	return fileDTO{
		ID:        f.ID,
		Name:      f.Name,
		FolderID:  f.FolderID,
		SizeBytes: f.SizeBytes,
		MimeType:  f.MimeType,
		State:     string(f.State),
		CreatedBy: f.CreatedBy,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

type moveDTO struct {
	File    fileDTO `json:"file"`
	Skipped bool    `json:"skipped"`
}

type progressDTO struct {
	Stage      string `json:"stage"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Percent    int    `json:"percent"`
	Error      string `json:"error,omitempty"`
}

func newProgressDTO(e progress.Entry) progressDTO {
	return progressDTO{
		Stage:      string(e.Stage),
		BytesDone:  e.BytesDone,
		BytesTotal: e.BytesTotal,
		Percent:    e.Percent(),
		Error:      e.Error,
	}
}

type sessionDTO struct {
	ID            string    `json:"id"`
	FileName      string    `json:"file_name"`
	FolderID      string    `json:"folder_id"`
	TotalSize     int64     `json:"total_size"`
	PartSize      int64     `json:"part_size"`
	TotalParts    int       `json:"total_parts"`
	UploadedBytes int64     `json:"uploaded_bytes"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	FileID        string    `json:"file_id,omitempty"`
}

func newSessionDTO(s *metadata.UploadSession) sessionDTO {
	dto := sessionDTO{
		ID:            s.ID,
		FileName:      s.FileName,
		FolderID:      s.FolderID,
		TotalSize:     s.TotalSize,
		PartSize:      s.PartSize,
		TotalParts:    s.TotalParts,
		UploadedBytes: s.UploadedBytes,
		Status:        string(s.Status),
		ExpiresAt:     s.ExpiresAt,
	}
	if s.FileID != nil {
		dto.FileID = *s.FileID
	}
	return dto
}

type sessionStatusDTO struct {
	Session       sessionDTO `json:"session"`
	PartsUploaded int        `json:"parts_uploaded"`
	Percent       int        `json:"percent"`
}

type partDTO struct {
	PartNumber    int    `json:"part_number"`
	Size          int64  `json:"size"`
	ETag          string `json:"etag"`
	UploadedBytes int64  `json:"uploaded_bytes"`
	TotalParts    int    `json:"total_parts"`
}

type completeDTO struct {
	FileID  string `json:"file_id,omitempty"`
	Skipped bool   `json:"skipped"`
	Status  string `json:"status"`
}

type ticketDTO struct {
	ID                   string    `json:"id"`
	State                string    `json:"state"`
	Position             int       `json:"position,omitempty"`
	EstimatedWaitSeconds int       `json:"estimated_wait_seconds,omitempty"`
	SessionID            string    `json:"session_id,omitempty"`
	ClaimDeadline        time.Time `json:"claim_deadline,omitzero"`
	CreatedAt            time.Time `json:"created_at"`
}

func newTicketDTO(t *files.Ticket) ticketDTO {
	return ticketDTO{
		ID:                   t.ID,
		State:                string(t.State),
		Position:             t.Position,
		EstimatedWaitSeconds: int(t.EstimatedWait.Seconds()),
		SessionID:            t.SessionID,
		ClaimDeadline:        t.ClaimDeadline,
		CreatedAt:            t.CreatedAt,
	}
}
