package files

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/config"
	"github.com/tierfs/tierfs/pkg/metadata"
)

// TicketState is the lifecycle state of an admission ticket.
type TicketState string

const (
	// TicketWaiting is queued behind the active sessions.
	TicketWaiting TicketState = "WAITING"

	// TicketReady holds a reserved slot the owner must claim in time.
	TicketReady TicketState = "READY"

	// TicketClaimed was exchanged for an active session.
	TicketClaimed TicketState = "CLAIMED"

	// TicketCancelled was withdrawn by its owner.
	TicketCancelled TicketState = "CANCELLED"

	// TicketExpired aged out before promotion or claim.
	TicketExpired TicketState = "EXPIRED"
)

// Ticket is a point-in-time snapshot of an admission ticket.
type Ticket struct {
	ID     string
	UserID string
	Size   int64
	State  TicketState

	// Position is the 1-based place in the waiting line, 0 otherwise.
	Position int

	// SessionID is the session minted for a READY ticket. The owner uploads
	// parts against it after claiming.
	SessionID string

	// EstimatedWait projects when a WAITING ticket will be promoted.
	EstimatedWait time.Duration

	// ClaimDeadline is when a READY ticket's reservation lapses.
	ClaimDeadline time.Time

	CreatedAt time.Time
}

type admissionTicket struct {
	id            string
	userID        string
	size          int64
	state         TicketState
	createdAt     time.Time
	expiresAt     time.Time
	claimDeadline time.Time

	// pending carries the validated initiation so the session can be minted
	// at promotion time.
	pending pendingUpload

	// sessionID is set once the READY ticket's session exists.
	sessionID string
}

type admittedSession struct {
	userID string
	size   int64
}

// Admission is the virtual waiting room in front of multipart sessions. It
// bounds how many sessions run at once, how many one user may hold, and how
// many declared bytes are in flight; everyone else waits on a FIFO ticket.
//
// All state is in memory. On startup the active set is rebuilt from the
// metadata store; waiting tickets do not survive a restart, which only costs
// waiting clients a re-initiation.
type Admission struct {
	mu sync.Mutex

	cfg config.UploadConfig

	active      map[string]admittedSession // session ID -> reservation
	activeBytes int64

	waiting []*admissionTicket
	tickets map[string]*admissionTicket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewAdmission creates the admission queue and starts its maintenance tick.
func NewAdmission(cfg config.UploadConfig) *Admission {
	a := &Admission{
		cfg:     cfg,
		active:  make(map[string]admittedSession),
		tickets: make(map[string]*admissionTicket),
		stopCh:  make(chan struct{}),
	}
	go a.maintainLoop()
	return a
}

// Rebuild seeds the active set from sessions that were ACTIVE before a
// restart, so their slots stay reserved.
func (a *Admission) Rebuild(sessions []metadata.UploadSession) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range sessions {
		if _, ok := a.active[s.ID]; ok {
			continue
		}
		a.active[s.ID] = admittedSession{userID: s.CreatedBy, size: s.TotalSize}
		a.activeBytes += s.TotalSize
	}
}

// TryAdmit reserves a slot for a new session. When the system is at
// capacity, including a user already at their per-user limit, it returns a
// WAITING ticket instead; the caller polls the ticket until it is READY.
// Only a full waiting line rejects outright.
func (a *Admission) TryAdmit(p pendingUpload) (admitted bool, ticket *Ticket, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.maintain(now)

	if a.hasCapacity(p.createdBy, p.size, now) {
		return true, nil, nil
	}

	if len(a.waiting) >= a.cfg.MaxQueueSize {
		return false, nil, conflictError(CodeUploadQueueFull, "upload queue is full")
	}

	t := &admissionTicket{
		id:        uuid.NewString(),
		userID:    p.createdBy,
		size:      p.size,
		state:     TicketWaiting,
		createdAt: now,
		expiresAt: now.Add(a.cfg.TicketTTL),
		pending:   p,
	}
	a.waiting = append(a.waiting, t)
	a.tickets[t.id] = t

	logger.Info("upload queued behind active sessions",
		logger.KeyTicketID, t.id, logger.KeyUserID, p.createdBy, logger.KeySize, p.size)

	return false, a.snapshot(t, now), nil
}

// Claim exchanges a READY ticket for admission. It returns the session the
// promotion minted; an empty session ID means the ticket was promoted but
// never polled, so the caller creates the session itself and the ticket's
// reservation transfers to it.
func (a *Admission) Claim(ticketID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.maintain(now)

	t, ok := a.tickets[ticketID]
	if !ok {
		return "", notFoundError(CodeTicketNotFound, "ticket %s not found", ticketID)
	}
	a.expireOverdue(t, now)
	switch t.state {
	case TicketReady:
		t.state = TicketClaimed
		a.removeWaiting(t.id)
		return t.sessionID, nil
	case TicketWaiting:
		return "", conflictError(CodeTicketNotReady, "ticket %s is still waiting at position %d",
			ticketID, a.position(t))
	default:
		return "", notFoundError(CodeTicketNotFound, "ticket %s is no longer valid", ticketID)
	}
}

// Ticket returns the current snapshot of a ticket.
func (a *Admission) Ticket(ticketID string) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.maintain(now)

	t, ok := a.tickets[ticketID]
	if !ok {
		return nil, notFoundError(CodeTicketNotFound, "ticket %s not found", ticketID)
	}
	a.expireOverdue(t, now)
	return a.snapshot(t, now), nil
}

// EnsureSession mints the real session backing a READY ticket. The create
// callback runs under the admission lock so two concurrent polls cannot mint
// two sessions for one ticket; when it fails the ticket keeps its waiting
// reservation and the next poll tries again. Once the session exists its
// reservation moves to the active set and the ticket leaves the line.
func (a *Admission) EnsureSession(ticketID string, create func(p pendingUpload) (string, error)) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.maintain(now)

	t, ok := a.tickets[ticketID]
	if !ok {
		return nil, notFoundError(CodeTicketNotFound, "ticket %s not found", ticketID)
	}
	a.expireOverdue(t, now)
	if t.state != TicketReady || t.sessionID != "" {
		return a.snapshot(t, now), nil
	}

	sessionID, err := create(t.pending)
	if err != nil {
		return nil, err
	}
	t.sessionID = sessionID
	a.removeWaiting(t.id)
	a.active[sessionID] = admittedSession{userID: t.userID, size: t.size}
	a.activeBytes += t.size

	logger.Info("admission ticket session minted",
		logger.KeyTicketID, t.id, logger.KeySessionID, sessionID, logger.KeyUserID, t.userID)

	return a.snapshot(t, now), nil
}

// Cancel withdraws a ticket and returns the ID of the session a READY
// ticket already had minted, if any, so the caller can abort it. Cancelling
// a ticket that already expired or was claimed is a no-op.
func (a *Admission) Cancel(ticketID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tickets[ticketID]
	if !ok {
		return ""
	}
	if t.state == TicketWaiting || t.state == TicketReady {
		t.state = TicketCancelled
		a.removeWaiting(t.id)
		a.maintain(time.Now())
		return t.sessionID
	}
	return ""
}

// Register records an admitted session so its slot and bytes stay reserved
// until Release.
func (a *Admission) Register(sessionID, userID string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[sessionID]; ok {
		return
	}
	a.active[sessionID] = admittedSession{userID: userID, size: size}
	a.activeBytes += size
}

// Release frees the slot of a finished session and promotes waiters.
func (a *Admission) Release(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.active[sessionID]
	if !ok {
		return
	}
	delete(a.active, sessionID)
	a.activeBytes -= s.size
	a.maintain(time.Now())
}

// ActiveCount returns the number of admitted sessions.
func (a *Admission) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// QueueDepth returns the number of waiting tickets.
func (a *Admission) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiting)
}

// Close stops the maintenance tick.
func (a *Admission) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Admission) maintainLoop() {
	interval := a.cfg.QueueMaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			a.maintain(time.Now())
			a.mu.Unlock()
		}
	}
}

// maintain expires stale tickets and promotes waiters into READY slots.
// Callers hold the mutex.
func (a *Admission) maintain(now time.Time) {
	kept := a.waiting[:0]
	for _, t := range a.waiting {
		switch {
		case t.state == TicketWaiting && now.After(t.expiresAt):
			t.state = TicketExpired
			logger.Info("admission ticket expired while waiting", logger.KeyTicketID, t.id)
		case t.state == TicketReady && now.After(t.claimDeadline):
			t.state = TicketExpired
			logger.Info("admission ticket expired unclaimed", logger.KeyTicketID, t.id)
		default:
			kept = append(kept, t)
		}
	}
	a.waiting = kept

	// Terminal tickets stay queryable for their natural lifetime, then the
	// table forgets them.
	retention := a.cfg.TicketTTL + a.cfg.ReadyClaimTTL
	for id, t := range a.tickets {
		switch t.state {
		case TicketWaiting, TicketReady:
			continue
		}
		if now.Sub(t.createdAt) > retention {
			delete(a.tickets, id)
		}
	}

	// Promote from the head while capacity allows.
	for _, t := range a.waiting {
		if t.state != TicketWaiting {
			continue
		}
		if !a.hasCapacity(t.userID, t.size, now) {
			break
		}
		t.state = TicketReady
		t.claimDeadline = now.Add(a.cfg.ReadyClaimTTL)
		logger.Info("admission ticket ready",
			logger.KeyTicketID, t.id, logger.KeyUserID, t.userID)
	}
}

// hasCapacity reports whether one more session of the given size fits.
// READY tickets hold reservations, so they count as load.
func (a *Admission) hasCapacity(userID string, size int64, now time.Time) bool {
	slots := len(a.active)
	bytes := a.activeBytes
	for _, t := range a.waiting {
		if t.state == TicketReady {
			slots++
			bytes += t.size
		}
	}

	if slots >= a.cfg.MaxActiveSessions {
		return false
	}
	if bytes+size > int64(a.cfg.MaxTotalUploadBytes) {
		return false
	}
	return a.userLoad(userID) < a.cfg.MaxSessionsPerUser
}

// userLoad counts the user's admitted sessions plus reserved READY tickets.
func (a *Admission) userLoad(userID string) int {
	load := 0
	for _, s := range a.active {
		if s.userID == userID {
			load++
		}
	}
	for _, t := range a.waiting {
		if t.state == TicketReady && t.userID == userID {
			load++
		}
	}
	return load
}

// removeWaiting splices a ticket out of the waiting line.
func (a *Admission) removeWaiting(id string) {
	for i, t := range a.waiting {
		if t.id == id {
			a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
			return
		}
	}
}

// expireOverdue flips a READY ticket past its claim deadline to EXPIRED.
// Tickets with a minted session have left the waiting line, so the periodic
// sweep in maintain never sees them; the session itself is reaped by the
// cleaner once its deadline passes.
func (a *Admission) expireOverdue(t *admissionTicket, now time.Time) {
	if t.state == TicketReady && now.After(t.claimDeadline) {
		t.state = TicketExpired
		a.removeWaiting(t.id)
	}
}

// position returns the 1-based index among WAITING tickets.
func (a *Admission) position(t *admissionTicket) int {
	pos := 0
	for _, w := range a.waiting {
		if w.state != TicketWaiting {
			continue
		}
		pos++
		if w.id == t.id {
			return pos
		}
	}
	return 0
}

func (a *Admission) snapshot(t *admissionTicket, now time.Time) *Ticket {
	snap := &Ticket{
		ID:            t.id,
		UserID:        t.userID,
		Size:          t.size,
		State:         t.state,
		SessionID:     t.sessionID,
		CreatedAt:     t.createdAt,
		ClaimDeadline: t.claimDeadline,
	}
	if t.state == TicketWaiting {
		snap.Position = a.position(t)
		snap.EstimatedWait = time.Duration(snap.Position) * a.cfg.EstimatedSessionDuration
	}
	return snap
}

// RunMaintenance triggers one maintenance pass outside the periodic tick,
// for the cleaner to call after it expires sessions.
func (a *Admission) RunMaintenance() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maintain(time.Now())
}
