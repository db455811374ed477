package security

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAudit(t *testing.T) *AuditTrail {
	t.Helper()
	a, err := NewAuditTrail(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAuditTrail_RecordAndQuery(t *testing.T) {
	a := newTestAudit(t)

	a.Record(AuditEntry{Identity: "worker-1", Operation: "robots:create", Outcome: AuditAllowed})
	a.Record(AuditEntry{Identity: "worker-1", Operation: "robots:delete", Outcome: AuditDenied, Reason: "missing permission"})
	a.Record(AuditEntry{Identity: "worker-2", Operation: "robots:create", Outcome: AuditAllowed})

	// Writes are async; give the drain goroutine a moment
	require.Eventually(t, func() bool {
		entries, err := a.Query(context.Background(), "worker-1", time.Now().Add(-time.Minute), 10)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := a.Query(context.Background(), "worker-1", time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "worker-1", entries[0].Identity)

	entries, err = a.Query(context.Background(), "worker-2", time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditTrail_Trim(t *testing.T) {
	a := newTestAudit(t)

	a.Record(AuditEntry{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Identity:  "worker-1",
		Operation: "robots:create",
		Outcome:   AuditAllowed,
	})
	a.Record(AuditEntry{Identity: "worker-1", Operation: "robots:create", Outcome: AuditAllowed})

	require.Eventually(t, func() bool {
		entries, err := a.Query(context.Background(), "worker-1", time.Now().Add(-72*time.Hour), 10)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	removed, err := a.Trim(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
