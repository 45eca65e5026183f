// Package app wires the dispatcher's components together: config, logging,
// storage, the quota ledger, the dispatch engine, retention and the HTTP
// server, plus config hot reload fan-out.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"outreach/internal/config"
	"outreach/internal/contact"
	"outreach/internal/httpapi"
	"outreach/internal/runtime/supervisor"
	"outreach/internal/services/dispatch"
	"outreach/internal/services/quota"
	"outreach/internal/services/retention"
	"outreach/internal/storage"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  *storage.Store
	ledger *quota.Ledger
	disp   *dispatch.Service
	ret    *retention.Service
	srv    *httpapi.Server

	smtpHost string
	smtpPort int
	smtpFrom string
	sms      *transport.SMSClient

	bootAddr string
	bootPath string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ledger := quota.New(store, mapQuotaConfig(cfg), log.With(logx.String("comp", "quota")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(ledger, store, dispCfg, log.With(logx.String("comp", "dispatch")))

	retCfg, err := mapRetentionConfig(cfg)
	if err != nil {
		return nil, err
	}
	ret := retention.New(store, retCfg, log.With(logx.String("comp", "retention")))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		ledger:   ledger,
		disp:     disp,
		ret:      ret,
		smtpHost: cfg.SMTP.Host,
		smtpPort: cfg.SMTP.Port,
		smtpFrom: cfg.SMTP.From,
		bootAddr: cfg.Server.Addr,
		bootPath: cfg.Storage.Path,
	}

	// The SMS gateway is shared process-wide so its rate limiter covers all
	// concurrent runs. Optional: without a base URL the channel is off.
	if strings.TrimSpace(cfg.SMS.BaseURL) != "" {
		smsTimeout, err := config.ParseDurationField("sms.timeout", cfg.SMS.Timeout)
		if err != nil {
			return nil, err
		}
		sms, err := transport.NewSMSClient(transport.SMSOptions{
			BaseURL:    cfg.SMS.BaseURL,
			APIKey:     os.Getenv("SMS_API_KEY"),
			From:       cfg.SMS.From,
			RatePerSec: cfg.SMS.RatePerSec,
			Timeout:    smsTimeout,
		}, log.With(logx.String("comp", "sms")))
		if err != nil {
			return nil, err
		}
		a.sms = sms
	} else {
		log.Warn("sms gateway not configured; sms dispatch disabled")
	}

	srvOpts, err := mapServerOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.srv = httpapi.New(store, disp, a.transportFor, srvOpts, log.With(logx.String("comp", "http")))

	return a, nil
}

// transportFor picks the sender for one run. Email senders are built per
// organization (per-org SMTP credentials); SMS shares the gateway client,
// re-badged with the organization's sender id when it has one.
func (a *App) transportFor(org *storage.Organization, ch contact.Channel) transport.Transport {
	switch ch {
	case contact.ChannelEmail:
		if org == nil || org.SMTPUser == "" || org.SMTPPass == "" {
			return nil
		}
		sender, err := transport.NewSMTPSender(a.smtpHost, a.smtpPort, org.SMTPUser, org.SMTPPass, a.smtpFrom, a.log.With(logx.String("comp", "smtp")))
		if err != nil {
			a.log.Warn("smtp sender unavailable", logx.Int64("org", org.ID), logx.Err(err))
			return nil
		}
		return sender
	case contact.ChannelSMS:
		if a.sms == nil {
			return nil
		}
		if org != nil && org.SMSFrom != "" {
			return a.sms.WithFrom(org.SMSFrom)
		}
		return a.sms
	}
	return nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		// Validate() already ran in Parse; here reject reloads the mapping
		// layer cannot apply.
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRetentionConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerOptions(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Quota.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("quota.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.ret.Start(a.sup.Context())

	if err := a.srv.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a hot-reloaded config into the running components.
// Server address and storage path changes need a restart and only get a log
// line.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))
	a.ledger.Apply(mapQuotaConfig(cfg))

	if dispCfg, err := mapDispatchConfig(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}
	if retCfg, err := mapRetentionConfig(cfg); err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
	} else {
		a.ret.Apply(retCfg)
	}

	if cfg.Server.Addr != a.bootAddr {
		a.log.Warn("server.addr changed; restart required for changes to take effect")
	}
	if cfg.Storage.Path != a.bootPath {
		a.log.Warn("storage.path changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// HTTP first so no new runs start; in-flight runs see the cancelled
	// context, emit their terminal event and commit quota.
	step("http", 5*time.Second, func(c context.Context) { a.srv.Stop(c) })
	step("retention", 2*time.Second, func(c context.Context) { a.ret.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) { _ = a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQuotaConfig(cfg *config.Config) quota.Config {
	return quota.Config{
		EmailPerDay: cfg.Quota.EmailPerDay,
		SMSPerMonth: cfg.Quota.SMSPerMonth,
		Timezone:    cfg.Quota.Timezone,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	out := dispatch.Config{}
	d := cfg.Dispatch
	if d == nil {
		return out, nil
	}
	out.Pacing.BatchSize = d.BatchSize

	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dispatch.send_delay_min", d.SendDelayMin, &out.Pacing.SendDelayMin},
		{"dispatch.send_delay_max", d.SendDelayMax, &out.Pacing.SendDelayMax},
		{"dispatch.batch_pause_min", d.BatchPauseMin, &out.Pacing.BatchPauseMin},
		{"dispatch.batch_pause_max", d.BatchPauseMax, &out.Pacing.BatchPauseMax},
		{"dispatch.pause_tick", d.PauseTick, &out.PauseTick},
	} {
		v, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return dispatch.Config{}, err
		}
		*f.dst = v
	}
	return out, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	maxAge, err := config.ParseDurationField("retention.max_age", cfg.Retention.MaxAge)
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   maxAge,
	}, nil
}

func mapServerOptions(cfg *config.Config) (httpapi.Options, error) {
	readTimeout, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return httpapi.Options{}, err
	}
	idleTimeout, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return httpapi.Options{}, err
	}
	return httpapi.Options{
		Addr:        cfg.Server.Addr,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, nil
}
