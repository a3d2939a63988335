package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/store/memory"
)

func TestActorDefaultsToSystem(t *testing.T) {
	assert.Equal(t, "system", Actor(context.Background()).UserID)

	ctx := WithActor(context.Background(), domain.Actor{UserID: "u-1", Role: "cashier", BranchID: "branch-a"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", actor.UserID)
}

func TestRecordWritesActorAndFallsBackToActorBranch(t *testing.T) {
	repo := memory.New()
	rec := NewRecorder(repo, logging.Module(logging.Discard(), "audit"))
	ctx := WithActor(context.Background(), domain.Actor{UserID: "u-1", Role: "supervisor", BranchID: "branch-a"})

	rec.Record(ctx, "", "stock.adjust", "stock_row", "row-1", "qty=3")

	logs, err := repo.ListAuditLogs(context.Background(), "branch-a", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "u-1", logs[0].ActorUserID)
	assert.Equal(t, "supervisor", logs[0].ActorRole)
	assert.Equal(t, "stock.adjust", logs[0].Action)
	assert.Equal(t, "row-1", logs[0].EntityID)
}

func TestRecordSurvivesCancelledRequest(t *testing.T) {
	repo := memory.New()
	rec := NewRecorder(repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.Record(ctx, "branch-a", "sale.cancel", "sales_transaction", "txn-1", "")

	logs, err := repo.ListAuditLogs(context.Background(), "branch-a", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), "branch-a", "noop", "none", "-", "")
	})
}
