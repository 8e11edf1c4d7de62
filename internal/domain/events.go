package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for domain events on the groupbuy.events exchange.
const (
	RoutingKeyGroupCompleted = "group.completed"
	RoutingKeyGroupExpired   = "group.expired"
)

// GroupCompletedEvent is published exactly once per group, by the writer
// whose conditional update performed the open -> complete transition.
// Broker delivery is still at-least-once, so consumers must be idempotent.
type GroupCompletedEvent struct {
	GroupID     uuid.UUID `json:"group_id"`
	ProductID   uuid.UUID `json:"product_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// GroupExpiredEvent is published when a group passes its deadline while
// still short of the target, either lazily on a join attempt or by the
// sweeper.
type GroupExpiredEvent struct {
	GroupID   uuid.UUID `json:"group_id"`
	ExpiredAt time.Time `json:"expired_at"`
}
