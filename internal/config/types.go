package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Quota   QuotaConfig   `json:"quota"`

	// Dispatch tunes the pacing of bulk runs. Omit to keep the stock
	// human-like cadence (3-7s between sends, 2-5min between batches).
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	Retention RetentionConfig `json:"retention"`

	SMTP SMTPConfig `json:"smtp"`
	SMS  SMSConfig  `json:"sms"`
}

type ServerConfig struct {
	Addr string `json:"addr"`

	// Timeouts are Go duration strings (e.g. "10s", "1m").
	// There is no write timeout: dispatch runs stream for minutes to hours.
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	CORSOrigins []string `json:"cors_origins,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./outreach.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QuotaConfig holds the sending ceilings applied when an organization row
// does not carry explicit quotas.
type QuotaConfig struct {
	EmailPerDay int `json:"email_per_day"`
	SMSPerMonth int `json:"sms_per_month"`

	// Timezone decides where "today" and "this month" roll over.
	// Empty means the host's local time.
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig overrides the pacing defaults.
//
// All durations are Go duration strings. Min must not exceed Max.
type DispatchConfig struct {
	BatchSize     int    `json:"batch_size,omitempty"`
	SendDelayMin  string `json:"send_delay_min,omitempty"`
	SendDelayMax  string `json:"send_delay_max,omitempty"`
	BatchPauseMin string `json:"batch_pause_min,omitempty"`
	BatchPauseMax string `json:"batch_pause_max,omitempty"`

	// PauseTick is how often a paused run re-emits progress with the
	// remaining pause time. Default "10s".
	PauseTick string `json:"pause_tick,omitempty"`
}

// RetentionConfig controls pruning of old send records.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`

	// Schedule is a cron spec or descriptor ("@daily", "0 4 * * *").
	Schedule string `json:"schedule,omitempty"`

	// MaxAge is a Go duration string; records older than this are pruned.
	// Default "2160h" (90 days).
	MaxAge string `json:"max_age,omitempty"`
}

// SMTPConfig configures the email transport. Host and default sender are
// global; the username and app password are per-organization and live in
// storage, never in the file.
type SMTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	From string `json:"from,omitempty"`
}

// SMSConfig configures the HTTP SMS gateway transport.
// The API key (SMS_API_KEY) comes from the environment, never the file.
type SMSConfig struct {
	BaseURL    string `json:"base_url"`
	From       string `json:"from,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // per-request; Go duration string
}

// Validate applies defaults and rejects configurations that cannot work.
// It mutates the receiver (defaults are filled in place).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if _, err := ParseDurationField("server.read_timeout", c.Server.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("server.idle_timeout", c.Server.IdleTimeout); err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./outreach.db"
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if c.Quota.EmailPerDay < 0 || c.Quota.SMSPerMonth < 0 {
		return errors.New("quota: limits must be >= 0")
	}
	if c.Quota.EmailPerDay == 0 {
		c.Quota.EmailPerDay = 500
	}
	if c.Quota.SMSPerMonth == 0 {
		c.Quota.SMSPerMonth = 1000
	}

	if c.Dispatch != nil {
		if err := c.Dispatch.validate(); err != nil {
			return err
		}
	}

	if c.Retention.Enabled {
		if strings.TrimSpace(c.Retention.Schedule) == "" {
			c.Retention.Schedule = "@daily"
		}
		if _, err := ParseDurationField("retention.max_age", c.Retention.MaxAge); err != nil {
			return err
		}
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port: invalid port %d", c.SMTP.Port)
	}
	if _, err := ParseDurationField("sms.timeout", c.SMS.Timeout); err != nil {
		return err
	}

	return nil
}

func (d *DispatchConfig) validate() error {
	if d.BatchSize < 0 {
		return errors.New("dispatch.batch_size: must be >= 0")
	}
	type span struct {
		name     string
		min, max string
	}
	for _, s := range []span{
		{"send_delay", d.SendDelayMin, d.SendDelayMax},
		{"batch_pause", d.BatchPauseMin, d.BatchPauseMax},
	} {
		lo, err := ParseDurationField("dispatch."+s.name+"_min", s.min)
		if err != nil {
			return err
		}
		hi, err := ParseDurationField("dispatch."+s.name+"_max", s.max)
		if err != nil {
			return err
		}
		if hi != 0 && lo > hi {
			return fmt.Errorf("dispatch.%s: min %s exceeds max %s", s.name, lo, hi)
		}
	}
	if _, err := ParseDurationField("dispatch.pause_tick", d.PauseTick); err != nil {
		return err
	}
	return nil
}
