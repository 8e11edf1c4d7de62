/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the service needs. The interface decouples the coordination and
 * settlement logic from PostgreSQL, which keeps the concurrency-sensitive
 * paths testable against in-memory fakes.
 *
 * @notes
 * - Group and Payment writes are version-conditioned: implementations must
 *   reject a write whose expected version no longer matches the row and
 *   return ErrVersionConflict, so callers can re-read and retry.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrVersionConflict signals that the aggregate changed between read and
	// write; the caller should re-read and retry.
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrAlreadyJoined signals a duplicate (group_id, user_id) participant.
	ErrAlreadyJoined = errors.New("user already joined group")

	// ErrPaymentExists signals that the order already has a payment in a
	// non-terminal state (pending, processing or completed).
	ErrPaymentExists = errors.New("order has a non-terminal payment")

	// ErrGatewayIDAlreadySet guards the set-once gateway payment id.
	ErrGatewayIDAlreadySet = errors.New("gateway payment id already set")
)

// GroupWrite describes the conditional participant append. Status and
// CompletedAt carry the post-write state the caller computed from its read:
// when the appended participant crosses the target, Status is "complete"
// and CompletedAt is stamped in the same write.
type GroupWrite struct {
	Participant domain.Participant
	Status      string
	CompletedAt *time.Time
}

// PaymentTransition describes a version-conditioned payment status change
// and its side effects on the linked order.
type PaymentTransition struct {
	ToStatus       string
	OrderStatus    string // empty = leave the order untouched
	CompletedAt    *time.Time
	TransactionFee *int64
	RefundID       *string
	RawResponse    []byte
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Group methods
	CreateGroup(ctx context.Context, group *domain.Group) error
	GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	ListGroups(ctx context.Context, opts domain.GroupListOptions) ([]domain.Group, error)
	// AppendParticipant appends the participant, recomputes the count and
	// applies the status carried in the write, all in one transaction
	// conditioned on expectedVersion.
	AppendParticipant(ctx context.Context, groupID uuid.UUID, write GroupWrite, expectedVersion int64) error
	// MarkGroupExpired flips an open group to expired, conditioned on both
	// expectedVersion and status still being open.
	MarkGroupExpired(ctx context.Context, groupID uuid.UUID, expectedVersion int64) error
	ListExpiredOpenGroups(ctx context.Context, now time.Time, limit int) ([]domain.Group, error)

	// Order methods
	// CreateOrderIfAbsent inserts the order unless one already exists for
	// the same (group_id, user_id); it reports whether a row was created.
	CreateOrderIfAbsent(ctx context.Context, order *domain.Order) (created bool, err error)
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.Order, error)

	// Payment methods
	// CreatePendingPayment inserts the payment as pending, guarded by the
	// "no non-terminal payment per order" rule.
	CreatePendingPayment(ctx context.Context, payment *domain.Payment) error
	// AttachGatewayPaymentID sets the gateway id exactly once.
	AttachGatewayPaymentID(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string, rawResponse []byte) error
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error)
	// TransitionPayment applies a status change conditioned on
	// expectedVersion, updating the linked order in the same transaction
	// when the transition demands it.
	TransitionPayment(ctx context.Context, paymentID uuid.UUID, transition PaymentTransition, expectedVersion int64) error
}
