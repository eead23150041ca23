package pipeline

import (
	"sync"

	"github.com/elizaOS/milaidy-sub002/services/quota"
	"github.com/google/uuid"
)

// reservation is what an admitted job will commit to the tracker if it executes.
// Limits are the ones in force when the job was admitted.
type reservation struct {
	userID     uuid.UUID
	dedupeKey  string
	spendCents int64
	spend      quota.Policy
	rate       quota.Policy
	rated      bool
	// bet is set for polymarket bets, which hold the tenant's cooldown until they finish
	bet bool
}

type tenantPending struct {
	spendCents int64
	executions int64
	bets       int64
}

// ledger tracks admitted jobs that have not reached a terminal state. Its totals
// are added to tracker usage so queued work counts against limits before it runs.
type ledger struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]reservation
	tenants  map[uuid.UUID]*tenantPending
	inflight map[string]uuid.UUID
}

func newLedger() *ledger {
	return &ledger{
		jobs:     make(map[uuid.UUID]reservation),
		tenants:  make(map[uuid.UUID]*tenantPending),
		inflight: make(map[string]uuid.UUID),
	}
}

func (l *ledger) pending(userID uuid.UUID) (spendCents, executions int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.tenants[userID]; ok {
		return p.spendCents, p.executions
	}
	return 0, 0
}

// pendingBets returns how many of userID's admitted bets have not finished
func (l *ledger) pendingBets(userID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.tenants[userID]; ok {
		return p.bets
	}
	return 0
}

// holding returns the job that currently owns dedupeKey
func (l *ledger) holding(dedupeKey string) (uuid.UUID, bool) {
	if dedupeKey == "" {
		return uuid.Nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.inflight[dedupeKey]
	return id, ok
}

// add records r for jobID. A job already holding a reservation keeps it.
func (l *ledger) add(jobID uuid.UUID, r reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; ok {
		return
	}
	l.jobs[jobID] = r
	p, ok := l.tenants[r.userID]
	if !ok {
		p = &tenantPending{}
		l.tenants[r.userID] = p
	}
	p.spendCents += r.spendCents
	p.executions++
	if r.bet {
		p.bets++
	}
	if r.dedupeKey != "" {
		l.inflight[r.dedupeKey] = jobID
	}
}

// has reports whether jobID holds a reservation
func (l *ledger) has(jobID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.jobs[jobID]
	return ok
}

func (l *ledger) get(jobID uuid.UUID) (reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.jobs[jobID]
	return r, ok
}

// release drops jobID. It is safe to call more than once.
func (l *ledger) release(jobID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.jobs[jobID]
	if !ok {
		return
	}
	delete(l.jobs, jobID)
	if r.dedupeKey != "" && l.inflight[r.dedupeKey] == jobID {
		delete(l.inflight, r.dedupeKey)
	}
	if p, ok := l.tenants[r.userID]; ok {
		p.spendCents -= r.spendCents
		p.executions--
		if r.bet {
			p.bets--
		}
		if p.executions <= 0 {
			delete(l.tenants, r.userID)
		}
	}
}
