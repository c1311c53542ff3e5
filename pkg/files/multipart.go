package files

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/naspath"
)

// InitiateRequest starts a multipart upload session.
type InitiateRequest struct {
	FolderID  string
	Name      string
	Size      int64
	MimeType  string
	CreatedBy string

	// ConflictStrategy picks how a name collision is resolved at
	// completion. Defaults to ERROR.
	ConflictStrategy metadata.ConflictStrategy

	// TicketID claims a READY admission ticket obtained from an earlier
	// initiation that queued.
	TicketID string
}

// pendingUpload is a validated initiation parked behind an admission ticket.
// The queued values, not a later request, shape the session minted at
// promotion.
type pendingUpload struct {
	folderID  string
	name      string
	size      int64
	mimeType  string
	strategy  metadata.ConflictStrategy
	createdBy string
}

// InitiateResult is either an admitted session or a queue ticket.
type InitiateResult struct {
	// Session is set when the upload was admitted.
	Session *metadata.UploadSession

	// Ticket is set when the upload was queued instead.
	Ticket *Ticket
}

// PartResult describes one stored part.
type PartResult struct {
	PartNumber    int
	Size          int64
	ETag          string
	UploadedBytes int64
	TotalParts    int
}

// SessionStatusResult is a client-facing snapshot of a session.
type SessionStatusResult struct {
	Session       *metadata.UploadSession
	PartsUploaded int
	Percent       int
}

// CompleteResult reports the outcome of completing a session.
type CompleteResult struct {
	// FileID is the minted file, empty when the completion was skipped.
	FileID string

	// Skipped is true when the SKIP strategy hit an existing name.
	Skipped bool

	// Status is the session status after the call: COMPLETING while the
	// background finalization runs, COMPLETED once it is done.
	Status metadata.SessionStatus
}

// Initiate opens a multipart session. Files below the multipart threshold
// must use the one-shot upload instead. When the system is at capacity the
// caller receives a queue ticket to poll.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	folder, err := s.resolveFolder(ctx, req.FolderID)
	if err != nil {
		return nil, err
	}

	name, err := validateName(naspath.NormalizeName(req.Name))
	if err != nil {
		return nil, err
	}

	if req.Size < int64(s.cfg.MultipartMinFileSize) {
		return nil, validationError(CodeFileTooSmallForMultipart,
			"file size %d is below the multipart threshold of %d bytes",
			req.Size, int64(s.cfg.MultipartMinFileSize))
	}
	if req.Size > int64(s.cfg.MaxFileSize) {
		return nil, validationError(CodeFileTooLarge,
			"file size %d exceeds the maximum of %d bytes", req.Size, int64(s.cfg.MaxFileSize))
	}

	strategy := req.ConflictStrategy
	if strategy == "" {
		strategy = metadata.ConflictError
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	pending := pendingUpload{
		folderID:  folder.ID,
		name:      name,
		size:      req.Size,
		mimeType:  mimeType,
		strategy:  strategy,
		createdBy: req.CreatedBy,
	}

	if req.TicketID != "" {
		sessionID, err := s.admission.Claim(req.TicketID)
		if err != nil {
			return nil, err
		}
		if sessionID != "" {
			return s.claimMintedSession(ctx, sessionID)
		}
		// Promoted but never polled, so no session exists yet; fall through
		// and mint one against the transferred reservation.
	} else {
		admitted, ticket, err := s.admission.TryAdmit(pending)
		if err != nil {
			return nil, err
		}
		if !admitted {
			return &InitiateResult{Ticket: ticket}, nil
		}
	}

	session, err := s.createSession(ctx, pending, time.Now().Add(s.cfg.SessionTTL))
	if err != nil {
		return nil, err
	}
	s.admission.Register(session.ID, req.CreatedBy, req.Size)

	logger.InfoCtx(ctx, "multipart session started",
		logger.KeySessionID, session.ID,
		logger.KeyFileName, name,
		logger.KeySize, req.Size,
		"parts", session.TotalParts)

	return &InitiateResult{Session: session}, nil
}

// createSession persists a fresh ACTIVE session shaped by the pending
// initiation. Admission accounting is the caller's business.
func (s *Service) createSession(ctx context.Context, p pendingUpload, expiresAt time.Time) (*metadata.UploadSession, error) {
	partSize := int64(s.cfg.DefaultPartSize)
	totalParts := int((p.size + partSize - 1) / partSize)

	session := &metadata.UploadSession{
		ID:               uuid.NewString(),
		FileName:         p.name,
		FolderID:         p.folderID,
		TotalSize:        p.size,
		MimeType:         p.mimeType,
		PartSize:         partSize,
		TotalParts:       totalParts,
		Status:           metadata.SessionActive,
		ConflictStrategy: p.strategy,
		CreatedBy:        p.createdBy,
		ExpiresAt:        expiresAt,
	}
	if err := s.meta.CreateSession(ctx, session); err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to create upload session")
	}
	return session, nil
}

// claimMintedSession hands a promoted ticket's session to its owner. The
// session ran on the short claim deadline until now; claiming stretches it
// to the full TTL.
func (s *Service) claimMintedSession(ctx context.Context, sessionID string) (*InitiateResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.cfg.SessionTTL)
	if err := s.meta.ExtendSession(ctx, sessionID, deadline); err != nil &&
		!errors.Is(err, metadata.ErrStaleTransition) {
		logger.WarnCtx(ctx, "failed to extend claimed session deadline",
			logger.KeySessionID, sessionID, logger.KeyError, err)
	} else if err == nil {
		session.ExpiresAt = deadline
	}

	logger.InfoCtx(ctx, "queued multipart session claimed",
		logger.KeySessionID, sessionID, logger.KeyFileName, session.FileName)

	return &InitiateResult{Session: session}, nil
}

// UploadPart stores one part of a session. Re-uploading a part number
// replaces the previous content; byte accounting never double-counts. Each
// accepted part pushes the session's sliding expiry out again.
func (s *Service) UploadPart(ctx context.Context, sessionID string, partNumber int, body io.Reader) (*PartResult, error) {
	session, err := s.getUploadableSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if partNumber < 1 || partNumber > session.TotalParts {
		return nil, validationError(CodeInvalidPartNumber,
			"part number %d is outside 1..%d", partNumber, session.TotalParts)
	}

	expected := session.PartSize
	if partNumber == session.TotalParts {
		expected = session.TotalSize - int64(session.TotalParts-1)*session.PartSize
	}

	key := PartObjectKey(sessionID, partNumber)
	hasher := md5.New()
	written, err := s.cache.Write(ctx, key, io.TeeReader(io.LimitReader(body, expected+1), hasher))
	if err != nil {
		return nil, unavailableError(CodeCacheReadFailed, err, "failed to store part content")
	}
	if written != expected {
		s.discardCacheBlob(ctx, key)
		return nil, validationError(CodePartMismatch,
			"part %d carried %d bytes, expected %d", partNumber, written, expected)
	}

	etag := hex.EncodeToString(hasher.Sum(nil))
	err = s.meta.UpsertPart(ctx, &metadata.UploadPart{
		SessionID:   sessionID,
		PartNumber:  partNumber,
		Size:        written,
		ObjectKey:   key,
		ETag:        etag,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to record part")
	}

	// Sliding expiry. A session that completed concurrently cannot be
	// extended, which is fine.
	if err := s.meta.ExtendSession(ctx, sessionID, time.Now().Add(s.cfg.SessionTTL)); err != nil &&
		!errors.Is(err, metadata.ErrStaleTransition) {
		logger.WarnCtx(ctx, "failed to extend session deadline",
			logger.KeySessionID, sessionID, logger.KeyError, err)
	}

	refreshed, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	return &PartResult{
		PartNumber:    partNumber,
		Size:          written,
		ETag:          etag,
		UploadedBytes: refreshed.UploadedBytes,
		TotalParts:    session.TotalParts,
	}, nil
}

// Complete finalizes a session. The part inventory is verified, the name
// conflict strategy applied, and the file minted in one transaction; a
// CREATE sync event then assembles the cache blob and the NAS copy in the
// background. Calling Complete again while that runs, or after it finished,
// returns the same file ID.
func (s *Service) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case metadata.SessionCompleting, metadata.SessionCompleted:
		return s.completedResult(session)
	case metadata.SessionAborted:
		return nil, conflictError(CodeSessionAborted, "session %s was aborted", sessionID)
	case metadata.SessionExpired:
		return nil, conflictError(CodeSessionExpired, "session %s expired", sessionID)
	}
	if session.Expired(time.Now()) {
		s.expireSession(ctx, session)
		return nil, conflictError(CodeSessionExpired, "session %s expired", sessionID)
	}

	if session.ConflictStrategy == metadata.ConflictOverwrite {
		return nil, validationError(CodeConflictStrategyUnsupported,
			"overwrite on completion is not supported")
	}

	parts, err := s.meta.ListParts(ctx, sessionID)
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	if len(parts) != session.TotalParts {
		return nil, conflictError(CodeIncompleteParts,
			"session %s has %d of %d parts", sessionID, len(parts), session.TotalParts)
	}
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	if total != session.TotalSize {
		return nil, conflictError(CodePartMismatch,
			"session %s parts sum to %d bytes, declared %d", sessionID, total, session.TotalSize)
	}

	folder, err := s.resolveFolder(ctx, session.FolderID)
	if err != nil {
		return nil, err
	}

	finalName := session.FileName
	if _, err := s.meta.FindFileByName(ctx, folder.ID, finalName); err == nil {
		switch session.ConflictStrategy {
		case metadata.ConflictSkip:
			return s.completeSkipped(ctx, session)
		case metadata.ConflictRename:
			finalName, err = s.nextFreeName(ctx, folder.ID, finalName)
			if err != nil {
				return nil, err
			}
		default:
			return nil, conflictError(CodeDuplicateFileExists,
				"a file named %q already exists in folder %s", finalName, folder.ID)
		}
	} else if !errors.Is(err, metadata.ErrFileNotFound) {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	// Exactly one concurrent completion wins the transition; losers re-read
	// and land in the idempotent branch above.
	if err := s.meta.TransitionSessionStatus(ctx, sessionID, metadata.SessionActive, metadata.SessionCompleting); err != nil {
		if errors.Is(err, metadata.ErrStaleTransition) {
			return s.Complete(ctx, sessionID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to transition session")
	}

	fileID := uuid.NewString()
	nasKey := naspath.ObjectKey(folder.Path, finalName, time.Now())

	file := &metadata.File{
		ID:        fileID,
		Name:      finalName,
		FolderID:  folder.ID,
		SizeBytes: session.TotalSize,
		MimeType:  session.MimeType,
		State:     metadata.FileStateActive,
		CreatedBy: session.CreatedBy,
	}
	event := &metadata.SyncEvent{
		ID:                 uuid.NewString(),
		FileID:             fileID,
		EventType:          metadata.EventCreate,
		TargetPath:         nasKey,
		MultipartSessionID: &sessionID,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		if err := tx.CreateObject(ctx, &metadata.StorageObject{
			ID:                 uuid.NewString(),
			FileID:             fileID,
			Tier:               metadata.TierCache,
			ObjectKey:          CacheObjectKey(fileID),
			AvailabilityStatus: metadata.StatusSyncing,
		}); err != nil {
			return err
		}
		if err := tx.CreateObject(ctx, &metadata.StorageObject{
			ID:                 uuid.NewString(),
			FileID:             fileID,
			Tier:               metadata.TierNAS,
			ObjectKey:          nasKey,
			AvailabilityStatus: metadata.StatusSyncing,
		}); err != nil {
			return err
		}
		if err := tx.SetSessionFile(ctx, sessionID, fileID); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		// Roll the session back so a retry can run the completion again.
		if backErr := s.meta.TransitionSessionStatus(ctx, sessionID,
			metadata.SessionCompleting, metadata.SessionActive); backErr != nil {
			logger.ErrorCtx(ctx, "failed to roll session back after commit failure",
				logger.KeySessionID, sessionID, logger.KeyError, backErr)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to commit completion")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "multipart session completing",
		logger.KeySessionID, sessionID,
		logger.KeyFileID, fileID,
		logger.KeyFileName, finalName)

	return &CompleteResult{FileID: fileID, Status: metadata.SessionCompleting}, nil
}

// completedResult serves the idempotent re-complete: the minted file ID is
// returned for sessions that already finished or are finishing.
func (s *Service) completedResult(session *metadata.UploadSession) (*CompleteResult, error) {
	res := &CompleteResult{Status: session.Status}
	if session.FileID != nil {
		res.FileID = *session.FileID
	} else if session.Status == metadata.SessionCompleted {
		// A SKIP completion mints no file.
		res.Skipped = true
	}
	return res, nil
}

// completeSkipped resolves the SKIP strategy: the session ends successfully
// without minting a file, and its parts are released immediately.
func (s *Service) completeSkipped(ctx context.Context, session *metadata.UploadSession) (*CompleteResult, error) {
	err := s.meta.TransitionSessionStatus(ctx, session.ID, metadata.SessionActive, metadata.SessionCompleted)
	if err != nil {
		if errors.Is(err, metadata.ErrStaleTransition) {
			return s.Complete(ctx, session.ID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to transition session")
	}

	s.cleanupSessionParts(ctx, session.ID)
	s.admission.Release(session.ID)

	logger.InfoCtx(ctx, "multipart session completed as skip",
		logger.KeySessionID, session.ID, logger.KeyFileName, session.FileName)

	return &CompleteResult{Skipped: true, Status: metadata.SessionCompleted}, nil
}

// Abort cancels an ACTIVE session and releases its parts. Aborting an
// already aborted session is a no-op; a completed or completing session can
// no longer be aborted.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.Status {
	case metadata.SessionAborted:
		return nil
	case metadata.SessionCompleted, metadata.SessionCompleting:
		return conflictError(CodeSessionAlreadyCompleted,
			"session %s has already been completed", sessionID)
	}

	err = s.meta.TransitionSessionStatus(ctx, sessionID, session.Status, metadata.SessionAborted)
	if err != nil {
		if errors.Is(err, metadata.ErrStaleTransition) {
			return s.Abort(ctx, sessionID)
		}
		return unavailableError(CodeFileStorageUnavailable, err, "failed to abort session")
	}

	s.cleanupSessionParts(ctx, sessionID)
	s.admission.Release(sessionID)

	logger.InfoCtx(ctx, "multipart session aborted", logger.KeySessionID, sessionID)
	return nil
}

// Status returns a session snapshot for polling clients.
func (s *Service) Status(ctx context.Context, sessionID string) (*SessionStatusResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	count, err := s.meta.CountParts(ctx, sessionID)
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	percent := 0
	if session.TotalSize > 0 {
		percent = int(session.UploadedBytes * 100 / session.TotalSize)
		if percent > 100 {
			percent = 100
		}
	}

	return &SessionStatusResult{
		Session:       session,
		PartsUploaded: count,
		Percent:       percent,
	}, nil
}

// TicketStatus returns the admission ticket snapshot for polling clients.
// The poll that finds a ticket promoted mints the real session, so a READY
// answer always carries the session ID the owner will upload against. The
// minted session lives on the claim deadline until the owner shows up.
func (s *Service) TicketStatus(ctx context.Context, ticketID string) (*Ticket, error) {
	ticket, err := s.admission.Ticket(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.State != TicketReady || ticket.SessionID != "" {
		return ticket, nil
	}

	return s.admission.EnsureSession(ticketID, func(p pendingUpload) (string, error) {
		session, err := s.createSession(ctx, p, ticket.ClaimDeadline)
		if err != nil {
			return "", err
		}
		return session.ID, nil
	})
}

// CancelTicket withdraws a waiting admission ticket. A READY ticket whose
// session was already minted takes the session down with it.
func (s *Service) CancelTicket(ctx context.Context, ticketID string) {
	sessionID := s.admission.Cancel(ticketID)
	if sessionID == "" {
		return
	}
	if err := s.Abort(ctx, sessionID); err != nil {
		logger.WarnCtx(ctx, "failed to abort session of cancelled ticket",
			logger.KeyTicketID, ticketID, logger.KeySessionID, sessionID, logger.KeyError, err)
	}
}

// getSession loads a session row with taxonomy mapping.
func (s *Service) getSession(ctx context.Context, sessionID string) (*metadata.UploadSession, error) {
	session, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, metadata.ErrSessionNotFound) {
			return nil, notFoundError(CodeSessionNotFound, "session %s not found", sessionID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	return session, nil
}

// getUploadableSession loads a session that can still accept parts.
func (s *Service) getUploadableSession(ctx context.Context, sessionID string) (*metadata.UploadSession, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case metadata.SessionCompleted, metadata.SessionCompleting:
		return nil, conflictError(CodeSessionAlreadyCompleted,
			"session %s has already been completed", sessionID)
	case metadata.SessionAborted:
		return nil, conflictError(CodeSessionAborted, "session %s was aborted", sessionID)
	case metadata.SessionExpired:
		return nil, conflictError(CodeSessionExpired, "session %s expired", sessionID)
	}

	if session.Expired(time.Now()) {
		s.expireSession(ctx, session)
		return nil, conflictError(CodeSessionExpired, "session %s expired", sessionID)
	}
	return session, nil
}

// expireSession moves a session past its deadline to EXPIRED and frees its
// admission slot. Losing the transition race to another actor is fine.
func (s *Service) expireSession(ctx context.Context, session *metadata.UploadSession) {
	err := s.meta.TransitionSessionStatus(ctx, session.ID, metadata.SessionActive, metadata.SessionExpired)
	if err != nil && !errors.Is(err, metadata.ErrStaleTransition) {
		logger.WarnCtx(ctx, "failed to expire session",
			logger.KeySessionID, session.ID, logger.KeyError, err)
		return
	}
	s.admission.Release(session.ID)
}

// cleanupSessionParts removes the cached part blobs and rows of a finished
// session. Failures are left to the periodic cleaner.
func (s *Service) cleanupSessionParts(ctx context.Context, sessionID string) {
	if err := s.cache.DeleteByPrefix(ctx, SessionObjectPrefix(sessionID)); err != nil {
		logger.WarnCtx(ctx, "failed to delete session part blobs",
			logger.KeySessionID, sessionID, logger.KeyError, err)
		return
	}
	if err := s.meta.DeleteParts(ctx, sessionID); err != nil {
		logger.WarnCtx(ctx, "failed to delete session part rows",
			logger.KeySessionID, sessionID, logger.KeyError, err)
	}
}
