package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/contact"
	"outreach/internal/services/quota"
	"outreach/internal/storage"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

// instantPacer keeps the real batching logic but removes the waiting, so a
// full multi-batch run finishes in milliseconds.
type instantPacer struct {
	batch int
	pause time.Duration
}

func (p instantPacer) NextSendDelay() time.Duration  { return 0 }
func (p instantPacer) NextBatchPause() time.Duration { return p.pause }
func (p instantPacer) BatchSize() int {
	if p.batch > 0 {
		return p.batch
	}
	return 50
}
func (p instantPacer) EstimateRemaining(itemsLeft, pausesLeft int) time.Duration {
	return time.Duration(itemsLeft) * 5 * time.Second
}

// transportFunc adapts a function to the Transport interface.
type transportFunc func(ctx context.Context, msg transport.Message) error

func (f transportFunc) Send(ctx context.Context, msg transport.Message) error { return f(ctx, msg) }

type harness struct {
	st  *storage.Store
	svc *Service
	org *storage.Organization
}

func newHarness(t *testing.T, seed storage.Organization, p Pacer) *harness {
	t.Helper()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if seed.Name == "" {
		seed.Name = "acme"
	}
	if seed.AccessCode == "" {
		seed.AccessCode = "code-" + t.Name()
	}
	id, err := st.CreateOrg(context.Background(), seed)
	require.NoError(t, err)
	org, err := st.Org(context.Background(), id)
	require.NoError(t, err)

	led := quota.New(st, quota.Config{EmailPerDay: 500, SMSPerMonth: 1000, Timezone: "UTC"}, logx.Nop())
	svc := New(led, st, Config{PauseTick: 5 * time.Millisecond}, logx.Nop())
	svc.SetPacer(p)

	return &harness{st: st, svc: svc, org: org}
}

func (h *harness) refreshOrg(t *testing.T) *storage.Organization {
	t.Helper()
	org, err := h.st.Org(context.Background(), h.org.ID)
	require.NoError(t, err)
	return org
}

func smsContacts(n int) []contact.Contact {
	out := make([]contact.Contact, n)
	for i := range out {
		out[i] = contact.Contact{
			Name:  fmt.Sprintf("contact %d", i),
			Phone: fmt.Sprintf("+1206555%04d", i),
		}
	}
	return out
}

func drain(t *testing.T, ch <-chan Progress) []Progress {
	t.Helper()
	var events []Progress
	deadline := time.After(30 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				require.NotEmpty(t, events, "stream closed without any event")
				require.True(t, events[len(events)-1].Terminal(), "stream closed without a terminal event")
				return events
			}
			events = append(events, p)
		case <-deadline:
			t.Fatal("run did not finish in time")
		}
	}
}

func TestRunBatchPartitioning(t *testing.T) {
	cases := []struct {
		contacts    int
		wantBatches int
	}{
		{1, 1},
		{50, 1},
		{51, 2},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_contacts", tc.contacts), func(t *testing.T) {
			h := newHarness(t, storage.Organization{SMSQuota: 100}, instantPacer{pause: 12 * time.Millisecond})
			mock := &transport.Mock{}

			events := drain(t, h.svc.Run(context.Background(), Request{
				Org:       h.org,
				Channel:   contact.ChannelSMS,
				Message:   "hello",
				Contacts:  smsContacts(tc.contacts),
				Transport: mock,
			}))

			last := events[len(events)-1]
			assert.Equal(t, StatusCompleted, last.Status)
			assert.Equal(t, tc.contacts, last.Sent)
			assert.Equal(t, tc.contacts, last.Total)
			assert.Equal(t, 0, last.Failed)
			assert.Equal(t, tc.contacts, mock.Calls())

			seenBatches := map[int]bool{}
			pauses := 0
			for _, e := range events {
				switch e.Status {
				case StatusSending:
					assert.Equal(t, tc.wantBatches, e.TotalBatches)
					seenBatches[e.Batch] = true
				case StatusPaused:
					pauses++
					assert.Positive(t, e.BatchPauseRemaining)
				}
			}
			assert.Len(t, seenBatches, tc.wantBatches)
			if tc.wantBatches > 1 {
				assert.Positive(t, pauses, "expected a pause between batches")
			} else {
				assert.Zero(t, pauses)
			}
		})
	}
}

func TestRunEmitsBeforeAttempting(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 10}, instantPacer{})
	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:       h.org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(2),
		Transport: &transport.Mock{},
	}))

	require.GreaterOrEqual(t, len(events), 3)
	first := events[0]
	assert.Equal(t, StatusSending, first.Status)
	assert.Equal(t, 1, first.Current)
	assert.Equal(t, "+12065550000", first.Recipient)
	assert.Zero(t, first.Sent, "announced before the attempt, so nothing sent yet")
}

func TestRunNoValidRecipients(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 10}, instantPacer{})
	mock := &transport.Mock{}

	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:     h.org,
		Channel: contact.ChannelSMS,
		Message: "hello",
		Contacts: []contact.Contact{
			{Name: "bad", Phone: "12345"},
			{Name: "", Phone: "+12065550001"},
		},
		Transport: mock,
	}))

	require.Len(t, events, 1, "admission failure is the sole event")
	assert.Equal(t, StatusError, events[0].Status)
	assert.Equal(t, "No valid recipients", events[0].Message)
	assert.Len(t, events[0].Invalid, 2)
	assert.Zero(t, mock.Calls())
	assert.Zero(t, h.refreshOrg(t).SMSSent)
}

func TestRunQuotaExceededFailFast(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 1}, instantPacer{})
	mock := &transport.Mock{}

	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:       h.org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(2),
		Transport: mock,
	}))

	require.Len(t, events, 1)
	assert.Equal(t, StatusError, events[0].Status)
	assert.Contains(t, events[0].Message, "Quota exceeded")
	assert.Zero(t, mock.Calls(), "rejected runs must not touch the transport")

	// Nothing leaked: a run that fits still goes through.
	events = drain(t, h.svc.Run(context.Background(), Request{
		Org:       h.org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(1),
		Transport: mock,
	}))
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)
}

func TestRunFailuresDoNotConsumeQuota(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 10}, instantPacer{})
	mock := &transport.Mock{FailFor: map[string]string{
		"+12065550001": "blocked by carrier",
	}}

	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:       h.org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(3),
		Transport: mock,
	}))

	last := events[len(events)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 2, last.Sent)
	assert.Equal(t, 1, last.Failed)
	require.Len(t, last.Failures, 1)
	assert.Equal(t, "+12065550001", last.Failures[0].Recipient)
	assert.Equal(t, "blocked by carrier", last.Failures[0].Error)

	// Only the two successes count against the monthly ceiling.
	assert.Equal(t, 2, h.refreshOrg(t).SMSSent)

	recs, err := h.st.RecentSendRecords(context.Background(), h.org.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "failed sends leave no record")
}

func TestRunPersonalization(t *testing.T) {
	h := newHarness(t, storage.Organization{SMTPUser: "ops@acme.test", SMTPPass: "app-pass"}, instantPacer{})
	mock := &transport.Mock{}

	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:     h.org,
		Channel: contact.ChannelEmail,
		Subject: "Hello {Name}",
		Message: "Hi {NAME}, offer inside. Costs $5, {name}!",
		Contacts: []contact.Contact{
			{Name: "Ana", Email: "ana@example.com"},
			{Email: "anon@example.com"},
		},
		Transport: mock,
	}))
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)

	sent := mock.Delivered()
	require.Len(t, sent, 2)
	assert.Equal(t, "Hello Ana", sent[0].Subject)
	assert.Equal(t, "Hi Ana, offer inside. Costs $5, Ana!", sent[0].Text)
	assert.Equal(t, "Hello ", sent[1].Subject, "nameless contact gets the placeholder removed")
	assert.Equal(t, "Hi , offer inside. Costs $5, !", sent[1].Text)
}

func TestRunMixedValidityScenario(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 10}, instantPacer{})
	mock := &transport.Mock{}

	events := drain(t, h.svc.Run(context.Background(), Request{
		Org:     h.org,
		Channel: contact.ChannelSMS,
		Message: "hello",
		Contacts: []contact.Contact{
			{Name: "Ana", Phone: "+12065550001"},
			{Name: "Bob", Phone: "12345"},
			{Name: "Cyn", Phone: "+12065550003"},
		},
		Transport: mock,
	}))

	last := events[len(events)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 2, last.Total, "invalid contacts excluded from the total")
	assert.Equal(t, 2, last.Sent)
	assert.Equal(t, 0, last.Failed)
	require.Len(t, last.Invalid, 1)
	assert.Equal(t, contact.ReasonInvalidPhone, last.Invalid[0].Reason)
	assert.Equal(t, 2, h.refreshOrg(t).SMSSent)
}

func TestRunCancellationCommitsPartialQuota(t *testing.T) {
	h := newHarness(t, storage.Organization{SMSQuota: 10}, instantPacer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent := 0
	tr := transportFunc(func(ctx context.Context, msg transport.Message) error {
		sent++
		if sent == 2 {
			cancel()
		}
		return nil
	})

	events := drain(t, h.svc.Run(ctx, Request{
		Org:       h.org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(5),
		Transport: tr,
	}))

	last := events[len(events)-1]
	assert.Equal(t, StatusCancelled, last.Status)
	assert.Equal(t, 2, last.Sent)
	assert.Equal(t, 2, sent, "no further sends after cancellation")

	org := h.refreshOrg(t)
	assert.Equal(t, 2, org.SMSSent, "partial progress committed despite cancellation")

	// The unused reservation was released too.
	recs := drain(t, h.svc.Run(context.Background(), Request{
		Org:       org,
		Channel:   contact.ChannelSMS,
		Message:   "hello",
		Contacts:  smsContacts(8),
		Transport: &transport.Mock{},
	}))
	assert.Equal(t, StatusCompleted, recs[len(recs)-1].Status)
}

func TestRunAdmissionErrors(t *testing.T) {
	t.Run("missing org", func(t *testing.T) {
		h := newHarness(t, storage.Organization{}, instantPacer{})
		events := drain(t, h.svc.Run(context.Background(), Request{
			Channel:   contact.ChannelSMS,
			Message:   "hello",
			Contacts:  smsContacts(1),
			Transport: &transport.Mock{},
		}))
		require.Len(t, events, 1)
		assert.Equal(t, StatusError, events[0].Status)
		assert.Equal(t, "Unauthorized", events[0].Message)
	})

	t.Run("missing smtp credentials", func(t *testing.T) {
		h := newHarness(t, storage.Organization{}, instantPacer{})
		events := drain(t, h.svc.Run(context.Background(), Request{
			Org:       h.org,
			Channel:   contact.ChannelEmail,
			Message:   "hello",
			Contacts:  []contact.Contact{{Name: "Ana", Email: "ana@example.com"}},
			Transport: &transport.Mock{},
		}))
		require.Len(t, events, 1)
		assert.Equal(t, StatusError, events[0].Status)
		assert.Contains(t, events[0].Message, "No sending configuration")
	})
}

func TestPacerDefaults(t *testing.T) {
	p := NewPacer(PacerOptions{})
	assert.Equal(t, 50, p.BatchSize())

	for i := 0; i < 200; i++ {
		d := p.NextSendDelay()
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 7*time.Second)

		pause := p.NextBatchPause()
		assert.GreaterOrEqual(t, pause, 2*time.Minute)
		assert.LessOrEqual(t, pause, 5*time.Minute)
	}

	// Midpoint math: 10 sends at 5s plus one pause at 3.5m.
	assert.Equal(t, 10*5*time.Second+210*time.Second, p.EstimateRemaining(10, 1))
	assert.Zero(t, p.EstimateRemaining(-1, -3))
}

func TestPersonalizeLiteral(t *testing.T) {
	// Replacement is literal: names containing $ must not trigger expansion.
	assert.Equal(t, "Hi $1!", personalize("Hi {name}!", "$1"))
	assert.Equal(t, "no placeholder", personalize("no placeholder", "Ana"))
	assert.Equal(t, "", personalize("", "Ana"))
}
