package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/services/quota"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

const defaultPauseTick = 10 * time.Second

// Config tunes one Service; see PacerOptions for the cadence knobs.
type Config struct {
	Pacing PacerOptions

	// PauseTick is how often a paused run re-emits its countdown.
	PauseTick time.Duration
}

// Service owns the shared collaborators of all dispatch runs: the quota
// ledger, the send-record sink and the pacing strategy. Runs themselves are
// independent goroutines; the Service holds no per-run state.
type Service struct {
	ledger *quota.Ledger
	store  *storage.Store
	log    logx.Logger

	mu    sync.Mutex
	pacer Pacer
	tick  time.Duration
}

func New(ledger *quota.Ledger, store *storage.Store, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{ledger: ledger, store: store, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps pacing settings at runtime. In-flight runs keep the pacer they
// started with; only new runs pick up the change.
func (s *Service) Apply(cfg Config) {
	tick := cfg.PauseTick
	if tick <= 0 {
		tick = defaultPauseTick
	}
	s.mu.Lock()
	s.pacer = NewPacer(cfg.Pacing)
	s.tick = tick
	s.mu.Unlock()
}

// SetPacer replaces the pacing strategy wholesale (tests use a zero-delay one).
func (s *Service) SetPacer(p Pacer) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.pacer = p
	s.mu.Unlock()
}

// Run starts a dispatch run and returns its progress stream. The stream
// ends with exactly one terminal event and is then closed; the caller must
// drain it. Cancelling ctx stops the run at the next suspension point; quota
// for sends already made is still committed.
func (s *Service) Run(ctx context.Context, req Request) <-chan Progress {
	s.mu.Lock()
	pacer := s.pacer
	tick := s.tick
	s.mu.Unlock()

	id := uuid.NewString()[:8]
	r := &run{
		svc:   s,
		req:   req,
		out:   make(chan Progress, 16),
		pacer: pacer,
		tick:  tick,
		log:   s.log.With(logx.String("run", id)),
	}
	go func() {
		defer close(r.out)
		r.exec(ctx)
	}()
	return r.out
}
