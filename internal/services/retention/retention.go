// Package retention prunes old send records on a cron schedule.
//
// Send records are append-only audit rows; without pruning they grow without
// bound. The service deletes rows older than the configured age, on the
// configured cron spec, and nothing else.
package retention

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

const defaultMaxAge = 90 * 24 * time.Hour

type Config struct {
	Enabled bool

	// Schedule is a 5-field cron spec or descriptor ("@daily").
	Schedule string

	// MaxAge is the retention window; records older than now-MaxAge go.
	MaxAge time.Duration
}

type Service struct {
	store  *storage.Store
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	started bool
}

func New(store *storage.Store, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  store,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.cfg = normalize(cfg)
	return s
}

func normalize(cfg Config) Config {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return cfg
}

// Apply swaps the schedule and window at runtime. A running service is
// restarted on the new schedule; a stopped one just remembers the config.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = normalize(cfg)
	if s.started {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.restartLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// a running prune finishes in the background
	}
	s.log.Info("retention stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !s.cfg.Enabled {
		s.log.Info("retention disabled")
		return
	}
	sched, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		s.log.Error("invalid retention schedule; pruning off",
			logx.String("schedule", s.cfg.Schedule), logx.Err(err))
		return
	}
	c := cron.New(cron.WithParser(s.parser))
	c.Schedule(sched, cron.FuncJob(func() { s.prune() }))
	c.Start()
	s.c = c
	s.log.Info("retention started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
}

func (s *Service) prune() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in retention job",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.PruneNow(ctx); err != nil {
		s.log.Error("retention prune failed", logx.Err(err))
	}
}

// PruneNow deletes expired records immediately, outside the schedule.
func (s *Service) PruneNow(ctx context.Context) (int64, error) {
	s.mu.Lock()
	maxAge := s.cfg.MaxAge
	s.mu.Unlock()

	n, err := s.store.PruneSendRecords(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned send records", logx.Int64("count", n), logx.Duration("max_age", maxAge))
	}
	return n, nil
}
