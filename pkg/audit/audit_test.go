package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/gateway/pkg/domain"
	"github.com/fitsync/gateway/pkg/store"
	"github.com/fitsync/gateway/pkg/store/sqlitestore"
)

func newTestLogger(t *testing.T, sink AlertSink) (*Logger, *sqlitestore.Store) {
	t.Helper()
	st, err := sqlitestore.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLogger(st, sink), st
}

func TestLogPersistsEventToStore(t *testing.T) {
	l, st := newTestLogger(t, nil)
	ctx := context.Background()
	userID := "user-1"

	l.Log(ctx, Event{
		Type:        domain.EventAuthenticationSucceeded,
		Severity:    domain.SeverityInfo,
		Description: "api key authenticated",
		Action:      "authenticate",
		Result:      domain.ResultSuccess,
		UserID:      &userID,
		IP:          "203.0.113.5",
	})

	events, err := st.ListAuditEvents(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuthenticationSucceeded, events[0].EventType)
	assert.Equal(t, "user-1", *events[0].UserID)
}

func TestLogEscalatesCriticalEventTypesRegardlessOfPassedSeverity(t *testing.T) {
	var alerted *domain.AuditEvent
	sink := AlertSinkFunc(func(_ context.Context, e *domain.AuditEvent) { alerted = e })
	l, st := newTestLogger(t, sink)
	ctx := context.Background()

	l.Log(ctx, Event{
		Type:        domain.EventOAuthCredentialsDeleted,
		Severity:    domain.SeverityInfo,
		Description: "tenant oauth credentials deleted",
		Action:      "delete",
		Result:      domain.ResultSuccess,
	})

	require.NotNil(t, alerted)
	assert.Equal(t, domain.SeverityCritical, alerted.Severity)

	events, err := st.ListAuditEvents(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
}

func TestLogDoesNotInvokeAlertSinkForNonCriticalEvents(t *testing.T) {
	called := false
	sink := AlertSinkFunc(func(_ context.Context, _ *domain.AuditEvent) { called = true })
	l, _ := newTestLogger(t, sink)
	ctx := context.Background()

	l.Log(ctx, Event{
		Type:        domain.EventRateLimitExceeded,
		Severity:    domain.SeverityWarning,
		Description: "monthly budget exhausted",
		Action:      "rate_limit",
		Result:      domain.ResultDenied,
	})

	assert.False(t, called)
}

func TestLogWithoutAlertSinkDoesNotPanic(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		l.Log(ctx, Event{
			Type:        domain.EventAdminTokenTampered,
			Severity:    domain.SeverityWarning,
			Description: "signature mismatch on admin token",
			Action:      "validate",
			Result:      domain.ResultDenied,
		})
	})
}

func TestLogRecordsTimestampFromClock(t *testing.T) {
	l, st := newTestLogger(t, nil)
	fixed := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	l.clock = func() time.Time { return fixed }
	ctx := context.Background()

	l.Log(ctx, Event{
		Type:        domain.EventTokenIssued,
		Severity:    domain.SeverityInfo,
		Description: "access token issued",
		Action:      "issue",
		Result:      domain.ResultSuccess,
	})

	events, err := st.ListAuditEvents(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, fixed.Equal(events[0].Timestamp))
}
