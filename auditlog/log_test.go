package auditlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
)

// startTestPostgres spins up a real, ephemeral Postgres via dockertest
// rather than mocking the SQL layer, matching spec.md §8's requirement
// that migration behavior never silently diverge between a mock and
// the real engine. Skips the test (not fails) when Docker isn't
// reachable, since that's an environment gap, not a code defect.
func startTestPostgres(t *testing.T) string {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("auditlog: docker unavailable, skipping integration test: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("auditlog: docker daemon unreachable, skipping integration test: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=escrowtest",
			"POSTGRES_USER=escrowtest",
			"POSTGRES_DB=escrowtest",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	require.NoError(t, resource.Expire(120))

	connString := fmt.Sprintf("postgres://escrowtest:escrowtest@%s/escrowtest?sslmode=disable",
		resource.GetHostPort("5432/tcp"))

	require.NoError(t, pool.Retry(func() error {
		_, err := Open(context.Background(), connString)
		return err
	}))

	t.Cleanup(func() { pool.Purge(resource) })

	return connString
}

func TestOpenAppliesMigrationsAndRoundTripsRecords(t *testing.T) {
	connString := startTestPostgres(t)

	l, err := Open(context.Background(), connString)
	require.NoError(t, err)
	defer l.Close()

	l.RecordTransition(1, ceremony.Draft, ceremony.Posted, "borrower")
	l.RecordBroadcastAttempt(1, "repayment", 1, "", errors.New("network down"))
	l.RecordBroadcastAttempt(1, "repayment", 2, "abcd1234", nil)
	l.RecordLtvEvent(1, ltvmonitor.Warn1, 40000, 75.5, time.Unix(1000, 0).UTC())

	ctx := context.Background()

	transitions, err := l.TransitionsForLoan(ctx, 1)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, ceremony.Draft, transitions[0].From)
	require.Equal(t, ceremony.Posted, transitions[0].To)
	require.Equal(t, "borrower", transitions[0].Actor)

	attempts, err := l.BroadcastAttemptsForLoan(ctx, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "network down", attempts[0].Error)
	require.Empty(t, attempts[0].Txid)
	require.Equal(t, "abcd1234", attempts[1].Txid)
	require.Empty(t, attempts[1].Error)

	events, err := l.LtvEventsForLoan(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ltvmonitor.Warn1, events[0].Severity)
	require.Equal(t, 75.5, events[0].LtvPct)
}

func TestOpenIsIdempotentAcrossReconnects(t *testing.T) {
	connString := startTestPostgres(t)

	l1, err := Open(context.Background(), connString)
	require.NoError(t, err)
	l1.Close()

	l2, err := Open(context.Background(), connString)
	require.NoError(t, err)
	defer l2.Close()

	l2.RecordTransition(2, ceremony.Funded, ceremony.Active, "system")
	got, err := l2.TransitionsForLoan(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
