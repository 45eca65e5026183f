// Package quota gates dispatch runs against per-organization sending ceilings.
//
// A run reserves its full requested count up front (fail-fast: a run that
// cannot fit inside the remaining quota never starts) and commits the actual
// number of successful sends when it finishes. Failed sends never consume
// quota. Email quotas reset daily, SMS quotas monthly; rollover is evaluated
// lazily against the organization's last-send stamp.
package quota

import (
	"context"
	"sync"
	"time"

	"outreach/internal/contact"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

type Config struct {
	EmailPerDay int
	SMSPerMonth int
	Timezone    string
}

// Reservation is the ticket a successful CheckAndReserve hands back; the
// dispatcher returns it to Commit when the run ends, on every exit path.
type Reservation struct {
	OrgID   int64
	Channel contact.Channel
	N       int
}

type Ledger struct {
	store *storage.Store
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
	loc *time.Location

	// now is swappable in tests.
	now func() time.Time
}

func New(store *storage.Store, cfg Config, log logx.Logger) *Ledger {
	l := &Ledger{store: store, log: log, now: time.Now}
	l.Apply(cfg)
	return l
}

// Apply swaps quota defaults and timezone at runtime (config hot reload).
func (l *Ledger) Apply(cfg Config) {
	loc := time.Local
	if cfg.Timezone != "" {
		if parsed, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = parsed
		} else if !l.log.IsZero() {
			l.log.Warn("invalid quota timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	l.mu.Lock()
	l.cfg = cfg
	l.loc = loc
	l.mu.Unlock()
}

func (l *Ledger) snapshot() (Config, *time.Location, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg, l.loc, l.now()
}

// CheckAndReserve admits a run of n sends or rejects it whole.
func (l *Ledger) CheckAndReserve(ctx context.Context, orgID int64, ch contact.Channel, n int) (storage.QuotaDecision, Reservation, error) {
	cfg, loc, now := l.snapshot()

	fallback := cfg.SMSPerMonth
	if ch == contact.ChannelEmail {
		fallback = cfg.EmailPerDay
	}

	dec, err := l.store.ReserveQuota(ctx, orgID, ch, n, fallback, now, loc)
	if err != nil {
		return storage.QuotaDecision{}, Reservation{}, err
	}
	if !dec.Allowed {
		return dec, Reservation{}, nil
	}
	return dec, Reservation{OrgID: orgID, Channel: ch, N: n}, nil
}

// Commit releases the reservation and persists the actual sent count.
func (l *Ledger) Commit(ctx context.Context, res Reservation, actualSent int) error {
	if res.N == 0 && actualSent == 0 {
		return nil
	}
	_, loc, now := l.snapshot()
	err := l.store.CommitQuota(ctx, res.OrgID, res.Channel, res.N, actualSent, now, loc)
	if err == nil && !l.log.IsZero() {
		l.log.Debug("quota committed",
			logx.Int64("org", res.OrgID),
			logx.String("channel", string(res.Channel)),
			logx.Int("reserved", res.N),
			logx.Int("sent", actualSent),
		)
	}
	return err
}
