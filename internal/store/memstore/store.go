// Package memstore is an in-memory LedgerStore and JobStore used by tests
// and single-process development runs. Ledger writes are serialized per
// account; job transitions are compare-and-swap under one mutex.
package memstore

import (
	"sync"
	"time"

	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/port"
)

// Store keeps all state in maps guarded by mutexes.
type Store struct {
	now func() time.Time

	accMu    sync.RWMutex
	accounts map[string]*accountCell

	idxMu        sync.Mutex
	entries      []models.LedgerEntry
	entryByKey   map[string]int
	reservations map[string]*models.Reservation
	resByJob     map[string]string
	resByKey     map[string]string

	jobsMu      sync.Mutex
	jobs        map[string]*models.Job
	jobOrder    []string
	submissions map[string]string
	locks       map[string]string
	audit       map[string][]models.AuditLog
}

type accountCell struct {
	mu      sync.Mutex
	account models.Account
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		accounts:     make(map[string]*accountCell),
		entryByKey:   make(map[string]int),
		reservations: make(map[string]*models.Reservation),
		resByJob:     make(map[string]string),
		resByKey:     make(map[string]string),
		jobs:         make(map[string]*models.Job),
		submissions:  make(map[string]string),
		locks:        make(map[string]string),
		audit:        make(map[string][]models.AuditLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ port.LedgerStore = (*Store)(nil)
	_ port.JobStore    = (*Store)(nil)
)
