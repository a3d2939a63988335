package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/store"
	"nationalpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Actor returns the caller identity, or the system actor for jobs.
func Actor(ctx context.Context) domain.Actor {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor
	}
	return domain.Actor{UserID: "system", Role: "system"}
}

// Recorder writes audit rows after the audited unit of work has committed.
// A failed write is logged and never fails the caller.
type Recorder struct {
	uow store.UnitOfWork
	log *logrus.Entry
}

func NewRecorder(uow store.UnitOfWork, log *logrus.Entry) *Recorder {
	return &Recorder{uow: uow, log: log}
}

func (r *Recorder) Record(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if r == nil || r.uow == nil {
		return
	}
	actor := Actor(ctx)
	if branchID == "" {
		branchID = actor.BranchID
	}
	entry := domain.AuditLog{
		ID:          xid.New("audit"),
		BranchID:    branchID,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}

	// Detach from the request deadline so a late audit write still lands.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err := r.uow.WithinTx(writeCtx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAuditLog(ctx, entry)
	})
	if err != nil && r.log != nil {
		r.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
