package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/contact"
	logx "outreach/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedOrg(t *testing.T, st *Store, o Organization) int64 {
	t.Helper()
	if o.Name == "" {
		o.Name = "acme"
	}
	if o.AccessCode == "" {
		o.AccessCode = "code-" + t.Name()
	}
	id, err := st.CreateOrg(context.Background(), o)
	require.NoError(t, err)
	return id
}

func TestOrgByAccessCode(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{Name: "acme", AccessCode: "secret", EmailQuota: 100})

	org, err := st.OrgByAccessCode(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, id, org.ID)
	assert.Equal(t, 100, org.EmailQuota)

	_, err = st.OrgByAccessCode(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveQuotaFailFast(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{SMSQuota: 1})
	ctx := context.Background()
	now := time.Now()

	dec, err := st.ReserveQuota(ctx, id, contact.ChannelSMS, 2, 0, now, time.UTC)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)

	// The rejected attempt must not have reserved anything.
	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 1, 0, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)
}

func TestReserveQuotaConcurrentRunsCannotExceed(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{SMSQuota: 10})
	ctx := context.Background()
	now := time.Now()

	// First run reserves 7 of 10; second may only get 3.
	dec, err := st.ReserveQuota(ctx, id, contact.ChannelSMS, 7, 0, now, time.UTC)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 4, 0, now, time.UTC)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 3, dec.Remaining)
}

func TestCommitQuotaCountsActualOnly(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{SMSQuota: 10})
	ctx := context.Background()
	now := time.Now()

	dec, err := st.ReserveQuota(ctx, id, contact.ChannelSMS, 5, 0, now, time.UTC)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// 5 reserved, but only 3 actually went out.
	require.NoError(t, st.CommitQuota(ctx, id, contact.ChannelSMS, 5, 3, now, time.UTC))

	org, err := st.Org(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, org.SMSSent)
	assert.False(t, org.SMSLastSent.IsZero())

	// Released headroom is reusable: 7 left.
	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 7, 0, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestQuotaPeriodRollover(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{EmailQuota: 5, SMSQuota: 5})
	ctx := context.Background()

	yesterday := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	today := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	// Exhaust yesterday's email quota.
	dec, err := st.ReserveQuota(ctx, id, contact.ChannelEmail, 5, 0, yesterday, time.UTC)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.NoError(t, st.CommitQuota(ctx, id, contact.ChannelEmail, 5, 5, yesterday, time.UTC))

	// Daily email quota evaluates fresh today regardless of the stored counter.
	dec, err = st.ReserveQuota(ctx, id, contact.ChannelEmail, 5, 0, today, time.UTC)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// SMS rolls monthly: a send on the 30th still counts on the 31st.
	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 5, 0, yesterday, time.UTC)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.NoError(t, st.CommitQuota(ctx, id, contact.ChannelSMS, 5, 5, yesterday, time.UTC))

	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 1, 0, today, time.UTC)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	nextMonth := time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC)
	dec, err = st.ReserveQuota(ctx, id, contact.ChannelSMS, 5, 0, nextMonth, time.UTC)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestFallbackQuotaApplies(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{}) // no explicit quotas
	ctx := context.Background()
	now := time.Now()

	dec, err := st.ReserveQuota(ctx, id, contact.ChannelEmail, 10, 25, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 15, dec.Remaining)
}

func TestSendRecords(t *testing.T) {
	st := openTestStore(t)
	id := seedOrg(t, st, Organization{})
	ctx := context.Background()

	old := SendRecord{
		OrgID: id, Recipient: "+12065550001", Content: "hi",
		Channel: contact.ChannelSMS, CreatedAt: time.Now().Add(-100 * 24 * time.Hour),
	}
	fresh := SendRecord{
		OrgID: id, Recipient: "ana@example.com", Subject: "hello", Content: "hi",
		Channel: contact.ChannelEmail, CreatedAt: time.Now(),
	}
	require.NoError(t, st.InsertSendRecord(ctx, old))
	require.NoError(t, st.InsertSendRecord(ctx, fresh))

	recs, err := st.RecentSendRecords(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ana@example.com", recs[0].Recipient, "newest first")

	n, err := st.PruneSendRecords(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
