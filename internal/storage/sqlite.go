package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"outreach/internal/contact"
	logx "outreach/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, applying migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes each transaction a true critical section,
	// which the quota reserve/commit path relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Organizations ----

const orgColumns = `id, name, access_code, email_quota, sms_quota,
	email_sent, sms_sent, email_last_sent, sms_last_sent,
	smtp_user, smtp_pass, sms_from, created_at`

func (s *Store) Org(ctx context.Context, id int64) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id)
	return scanOrg(row)
}

func (s *Store) OrgByAccessCode(ctx context.Context, code string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE access_code = ?`, code)
	return scanOrg(row)
}

func (s *Store) CreateOrg(ctx context.Context, o Organization) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations(name, access_code, email_quota, sms_quota, smtp_user, smtp_pass, sms_from, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.Name, o.AccessCode, o.EmailQuota, o.SMSQuota, o.SMTPUser, o.SMTPPass, o.SMSFrom,
		o.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanOrg(row *sql.Row) (*Organization, error) {
	var (
		o                  Organization
		emailLast, smsLast sql.NullString
		created            string
	)
	err := row.Scan(&o.ID, &o.Name, &o.AccessCode, &o.EmailQuota, &o.SMSQuota,
		&o.EmailSent, &o.SMSSent, &emailLast, &smsLast,
		&o.SMTPUser, &o.SMTPPass, &o.SMSFrom, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.EmailLastSent = parseStamp(emailLast.String)
	o.SMSLastSent = parseStamp(smsLast.String)
	o.CreatedAt = parseStamp(created)
	return &o, nil
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- Quota (atomic reserve/commit) ----

// quotaCols maps a channel to its counter columns. Column names are fixed
// strings, never caller input.
func quotaCols(ch contact.Channel) (quota, sent, reserved, last string) {
	if ch == contact.ChannelEmail {
		return "email_quota", "email_sent", "email_reserved", "email_last_sent"
	}
	return "sms_quota", "sms_sent", "sms_reserved", "sms_last_sent"
}

// SamePeriod reports whether two instants fall in the same quota period for
// the channel: calendar day for email, calendar month for SMS.
func SamePeriod(ch contact.Channel, a, b time.Time, loc *time.Location) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	if loc == nil {
		loc = time.Local
	}
	a, b = a.In(loc), b.In(loc)
	if a.Year() != b.Year() || a.Month() != b.Month() {
		return false
	}
	if ch == contact.ChannelEmail {
		return a.Day() == b.Day()
	}
	return true
}

// ReserveQuota atomically reserves headroom for a run of `requested` sends.
//
// The stored counter is evaluated as zero when the last send predates the
// current period (daily for email, monthly for SMS); the reset is not
// persisted here, only evaluated. fallbackQuota applies when the
// organization row carries no explicit quota for the channel.
//
// The read-check-write runs inside one transaction on a single-connection
// pool, so two concurrent runs can never both reserve the same headroom.
func (s *Store) ReserveQuota(ctx context.Context, orgID int64, ch contact.Channel, requested, fallbackQuota int, now time.Time, loc *time.Location) (QuotaDecision, error) {
	qCol, sentCol, resCol, lastCol := quotaCols(ch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QuotaDecision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		quota, sent, reserved int
		last                  sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s, %s, %s, %s FROM organizations WHERE id = ?`, qCol, sentCol, resCol, lastCol),
		orgID,
	).Scan(&quota, &sent, &reserved, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return QuotaDecision{}, ErrNotFound
	}
	if err != nil {
		return QuotaDecision{}, err
	}

	if quota <= 0 {
		quota = fallbackQuota
	}
	if !SamePeriod(ch, parseStamp(last.String), now, loc) {
		sent = 0
	}

	remaining := quota - sent - reserved
	if remaining < 0 {
		remaining = 0
	}
	if requested > remaining {
		// Reject before any send; the caller sees the remaining headroom.
		return QuotaDecision{Allowed: false, Remaining: remaining}, nil
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE organizations SET %s = %s + ? WHERE id = ?`, resCol, resCol),
		requested, orgID,
	); err != nil {
		return QuotaDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return QuotaDecision{}, err
	}
	return QuotaDecision{Allowed: true, Remaining: remaining - requested}, nil
}

// CommitQuota folds a finished run back into the counters: the actual sent
// count is added (failed sends never consume quota), the reservation is
// released in full, and the last-send stamp is advanced when anything was
// sent. Runs in one transaction, mirroring ReserveQuota.
func (s *Store) CommitQuota(ctx context.Context, orgID int64, ch contact.Channel, reserved, actualSent int, now time.Time, loc *time.Location) error {
	_, sentCol, resCol, lastCol := quotaCols(ch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sent, res int
		last      sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s, %s, %s FROM organizations WHERE id = ?`, sentCol, resCol, lastCol),
		orgID,
	).Scan(&sent, &res, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if !SamePeriod(ch, parseStamp(last.String), now, loc) {
		// Period rolled over since the counter was written; the stale count
		// is discarded and this run starts the new period's tally.
		sent = 0
	}
	sent += actualSent
	res -= reserved
	if res < 0 {
		res = 0
	}

	stamp := last
	if actualSent > 0 {
		stamp = sql.NullString{String: now.Format(time.RFC3339Nano), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE organizations SET %s = ?, %s = ?, %s = ? WHERE id = ?`, sentCol, resCol, lastCol),
		sent, res, stamp, orgID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Send records ----

func (s *Store) InsertSendRecord(ctx context.Context, rec SendRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_records(id, org_id, recipient, subject, content, channel, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.OrgID, rec.Recipient, rec.Subject, rec.Content, string(rec.Channel),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) RecentSendRecords(ctx context.Context, orgID int64, limit int) ([]SendRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, recipient, subject, content, channel, created_at
		 FROM send_records WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`,
		orgID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendRecord
	for rows.Next() {
		var (
			rec     SendRecord
			ch      string
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Recipient, &rec.Subject, &rec.Content, &ch, &created); err != nil {
			return nil, err
		}
		rec.Channel = contact.Channel(ch)
		rec.CreatedAt = parseStamp(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneSendRecords deletes records older than cutoff and reports how many went.
func (s *Store) PruneSendRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM send_records WHERE created_at < ?`,
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
