package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"outreach/internal/contact"
	"outreach/internal/services/quota"
	"outreach/internal/storage"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

// run is the state of one dispatch execution. It lives on a single
// goroutine; only the output channel is shared with the caller.
type run struct {
	svc   *Service
	req   Request
	out   chan Progress
	pacer Pacer
	tick  time.Duration
	log   logx.Logger

	valid   []contact.Contact
	invalid []contact.Rejection

	res      quota.Reservation
	reserved bool

	sent     int
	failed   int
	failures []Failure
}

func (r *run) exec(ctx context.Context) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("dispatch run panicked",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
			// Sends that succeeded before the panic still count.
			r.commitQuota(ctx)
			r.emit(r.terminal(StatusError, fmt.Sprintf("internal error: %v", rec)))
		}
	}()

	// Init: the HTTP layer resolves the caller; a run without an
	// organization is unauthorized by definition.
	if r.req.Org == nil {
		r.emit(r.terminal(StatusError, "Unauthorized"))
		return
	}
	if !r.req.Channel.Valid() || r.req.Transport == nil || !r.req.Org.HasTransport(r.req.Channel) {
		r.emit(r.terminal(StatusError, "No sending configuration for this organization"))
		return
	}

	// Validating.
	r.valid, r.invalid = contact.Validate(r.req.Contacts, r.req.Channel)
	if len(r.valid) == 0 {
		r.emit(r.terminal(StatusError, "No valid recipients"))
		return
	}

	dec, res, err := r.svc.ledger.CheckAndReserve(ctx, r.req.Org.ID, r.req.Channel, len(r.valid))
	if err != nil {
		r.emit(r.terminal(StatusError, "Quota check failed: "+err.Error()))
		return
	}
	if !dec.Allowed {
		// Fail-fast: the whole run is rejected before any send.
		r.emit(r.terminal(StatusError, fmt.Sprintf(
			"Quota exceeded: %d recipients requested but only %d sends remain this period",
			len(r.valid), dec.Remaining,
		)))
		return
	}
	r.res, r.reserved = res, true

	total := len(r.valid)
	size := r.pacer.BatchSize()
	batches := (total + size - 1) / size

	r.log.Info("dispatch run started",
		logx.Int64("org", r.req.Org.ID),
		logx.String("channel", string(r.req.Channel)),
		logx.Int("total", total),
		logx.Int("batches", batches),
		logx.Int("invalid", len(r.invalid)),
	)

	for bi := 0; bi < batches; bi++ {
		lo := bi * size
		hi := min(lo+size, total)

		for i := lo; i < hi; i++ {
			if ctx.Err() != nil {
				r.finishCancelled(ctx, i)
				return
			}
			c := r.valid[i]

			// Announce before attempting, so a client sees "sending to X"
			// while the transport call is in flight.
			r.emit(Progress{
				Status:             StatusSending,
				Current:            i + 1,
				Total:              total,
				Sent:               r.sent,
				Failed:             r.failed,
				Recipient:          c.Address(r.req.Channel),
				Batch:              bi + 1,
				TotalBatches:       batches,
				EstimatedRemaining: r.pacer.EstimateRemaining(total-i, batches-bi-1).Milliseconds(),
			})

			r.sendOne(ctx, c)

			if i+1 < hi {
				if !r.sleep(ctx, r.pacer.NextSendDelay()) {
					r.finishCancelled(ctx, i+1)
					return
				}
			}
		}

		if bi+1 < batches {
			if !r.pauseBetweenBatches(ctx, bi+1, batches, total, hi) {
				r.finishCancelled(ctx, hi)
				return
			}
		}
	}

	r.commitQuota(ctx)
	p := r.terminal(StatusCompleted, fmt.Sprintf("Sent %d of %d messages (%d failed)", r.sent, total, r.failed))
	p.Batch = batches
	p.TotalBatches = batches
	r.emit(p)

	fields := []logx.Field{
		logx.Int64("org", r.req.Org.ID),
		logx.Int("sent", r.sent),
		logx.Int("failed", r.failed),
		logx.Duration("dur", time.Since(start)),
	}
	if r.failed > 0 {
		r.log.Warn("dispatch run finished with failures", fields...)
	} else {
		r.log.Info("dispatch run finished", fields...)
	}
}

func (r *run) sendOne(ctx context.Context, c contact.Contact) {
	addr := c.Address(r.req.Channel)
	msg := transport.Message{
		To:      addr,
		Subject: personalize(r.req.Subject, c.Name),
		Text:    personalize(r.req.Message, c.Name),
		HTML:    personalize(r.req.HTML, c.Name),
	}

	if err := r.req.Transport.Send(ctx, msg); err != nil {
		// One recipient's failure never aborts the batch or the run.
		r.failed++
		r.failures = append(r.failures, Failure{Recipient: addr, Error: err.Error()})
		r.log.Warn("send failed", logx.String("recipient", addr), logx.Err(err))
		return
	}
	r.sent++
	r.record(ctx, addr, msg)
}

// record persists the audit row for a successful send. Best-effort: a write
// failure is logged and swallowed, it never fails the send or the run.
func (r *run) record(ctx context.Context, addr string, msg transport.Message) {
	if r.svc.store == nil {
		return
	}
	content := msg.Text
	if msg.HTML != "" {
		content = msg.HTML
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := r.svc.store.InsertSendRecord(rctx, storage.SendRecord{
		OrgID:     r.req.Org.ID,
		Recipient: addr,
		Subject:   msg.Subject,
		Content:   content,
		Channel:   r.req.Channel,
	})
	if err != nil {
		r.log.Warn("send record write failed", logx.String("recipient", addr), logx.Err(err))
	}
}

// pauseBetweenBatches counts a randomized pause down in tick-sized steps,
// re-emitting progress with the shrinking remainder. Returns false when the
// run was cancelled mid-pause.
func (r *run) pauseBetweenBatches(ctx context.Context, batchesDone, batches, total, processed int) bool {
	remaining := r.pacer.NextBatchPause()
	for remaining > 0 {
		r.emit(Progress{
			Status:              StatusPaused,
			Current:             processed,
			Total:               total,
			Sent:                r.sent,
			Failed:              r.failed,
			Batch:               batchesDone,
			TotalBatches:        batches,
			BatchPauseRemaining: remaining.Milliseconds(),
			EstimatedRemaining: (r.pacer.EstimateRemaining(total-processed, batches-batchesDone-1) +
				remaining).Milliseconds(),
		})

		step := min(r.tick, remaining)
		if !r.sleep(ctx, step) {
			return false
		}
		remaining -= step
	}
	return true
}

func (r *run) finishCancelled(ctx context.Context, processed int) {
	r.commitQuota(ctx)
	p := r.terminal(StatusCancelled, fmt.Sprintf("Cancelled after %d of %d sends", r.sent+r.failed, len(r.valid)))
	p.Current = processed
	r.emit(p)
	r.log.Warn("dispatch run cancelled",
		logx.Int64("org", r.req.Org.ID),
		logx.Int("sent", r.sent),
		logx.Int("failed", r.failed),
	)
}

// commitQuota folds the run's actual successes into the ledger. Called on
// every exit path that reserved; idempotent within one run.
func (r *run) commitQuota(ctx context.Context) {
	if !r.reserved {
		return
	}
	r.reserved = false
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.svc.ledger.Commit(cctx, r.res, r.sent); err != nil {
		r.log.Error("quota commit failed", logx.Err(err))
	}
}

func (r *run) terminal(st Status, msg string) Progress {
	total := len(r.valid)
	p := Progress{
		Status:   st,
		Total:    total,
		Sent:     r.sent,
		Failed:   r.failed,
		Message:  msg,
		Failures: r.failures,
		Invalid:  r.invalid,
	}
	if st == StatusCompleted {
		p.Current = total
	}
	return p
}

func (r *run) emit(p Progress) { r.out <- p }

// sleep waits d, honoring cancellation. Returns false when ctx ended first.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var namePlaceholder = regexp.MustCompile(`(?i)\{name\}`)

// personalize substitutes the {name} placeholder (any case). A recipient
// without a name gets the placeholder removed, not left literal.
func personalize(s, name string) string {
	if s == "" {
		return s
	}
	return namePlaceholder.ReplaceAllLiteralString(s, name)
}
