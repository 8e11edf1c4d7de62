/**
 * @description
 * This file contains the group formation coordinator: join admission,
 * threshold detection, lazy expiry, and the periodic sweep. It is the only
 * writer of Group aggregates.
 *
 * Key features:
 * - Joins are optimistic: read the group, validate, write conditioned on
 *   the version that was read, retry on conflict with jittered backoff,
 *   fail with ErrContention once the budget is spent.
 * - Exactly one writer performs the open -> complete transition (the
 *   conditional write linearizes it), and only that writer publishes the
 *   GroupCompleted event.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
	"github.com/groupcart/groupbuy-service/pkg/rabbitmq"
)

const (
	defaultJoinMaxRetries = 5
	defaultJoinBackoff    = 25 * time.Millisecond
)

// JoinRateLimiter is the contract for distributed join throttling.
type JoinRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Coordinator admits joins, detects completion and expiry, and emits the
// corresponding domain events.
type Coordinator struct {
	repo       store.Repository
	events     rabbitmq.Publisher
	maxRetries int
	backoff    time.Duration
	now        func() time.Time

	limiter         JoinRateLimiter
	joinLimitPerMin int
}

// NewCoordinator creates a new group coordinator. The events publisher may
// be an EventProducerFallback when the broker is unavailable.
func NewCoordinator(repo store.Repository, events rabbitmq.Publisher, maxRetries int, backoff time.Duration) *Coordinator {
	if maxRetries <= 0 {
		maxRetries = defaultJoinMaxRetries
	}
	if backoff <= 0 {
		backoff = defaultJoinBackoff
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &Coordinator{
		repo:       repo,
		events:     events,
		maxRetries: maxRetries,
		backoff:    backoff,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Used by tests and by the sweeper to
// pin a sweep run to one instant.
func (c *Coordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// SetJoinRateLimiter enables distributed join throttling.
func (c *Coordinator) SetJoinRateLimiter(limiter JoinRateLimiter, limitPerMinute int) {
	c.limiter = limiter
	c.joinLimitPerMin = limitPerMinute
}

// CreateGroup starts a new open group. This is the catalog collaborator's
// entry point, not buyer-facing.
func (c *Coordinator) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, error) {
	if req.TargetParticipants < 2 {
		return nil, ErrInvalidTarget
	}
	if !req.ExpiresAt.After(c.now()) {
		return nil, ErrInvalidExpiry
	}

	group := &domain.Group{
		ID:                 uuid.New(),
		ProductID:          req.ProductID,
		TargetParticipants: req.TargetParticipants,
		Status:             domain.GroupStatusOpen,
		ExpiresAt:          req.ExpiresAt,
	}
	if err := c.repo.CreateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	log.Printf("level=info component=coordinator op=create_group group_id=%s product_id=%s target=%d expires_at=%s",
		group.ID, group.ProductID, group.TargetParticipants, group.ExpiresAt.Format(time.RFC3339))
	return group, nil
}

// GetGroup returns the read-only projection of a group.
func (c *Coordinator) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	group, err := c.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ListGroups returns a paginated, status-filtered list of groups.
func (c *Coordinator) ListGroups(ctx context.Context, opts domain.GroupListOptions) ([]domain.Group, error) {
	return c.repo.ListGroups(ctx, opts)
}

// Join admits a buyer into a group. On the join that reaches the target the
// group flips to complete in the same conditional write, and this writer
// alone publishes GroupCompleted.
func (c *Coordinator) Join(ctx context.Context, groupID, userID uuid.UUID, amount int64) (*domain.JoinGroupResponse, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if c.limiter != nil && c.joinLimitPerMin > 0 {
		count, retryAfter, err := c.limiter.ConsumeRateLimit(ctx, "group_join", userID.String(), c.joinLimitPerMin, time.Minute)
		if err != nil {
			// Limiter outage must not block admission.
			log.Printf("level=warn component=coordinator op=join msg=\"rate limiter unavailable; allowing\" user_id=%s err=%v", userID, err)
		} else if count > c.joinLimitPerMin {
			log.Printf("level=warn component=coordinator op=join outcome=rate_limited user_id=%s retry_after=%d", userID, retryAfter)
			return nil, ErrRateLimited
		}
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		group, err := c.repo.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}

		if group.Status != domain.GroupStatusOpen {
			return nil, ErrGroupNotOpen
		}

		now := c.now()
		if now.After(group.ExpiresAt) {
			// Lazy expiry: this join attempt flips the group.
			switch err := c.repo.MarkGroupExpired(ctx, group.ID, group.Version); {
			case err == nil:
				c.publishExpired(ctx, group.ID, now)
				return nil, ErrGroupExpired
			case errors.Is(err, store.ErrVersionConflict):
				// Someone else wrote first; re-read and re-validate.
				c.sleepWithJitter(ctx, attempt)
				continue
			default:
				return nil, err
			}
		}

		if group.HasParticipant(userID) {
			return nil, store.ErrAlreadyJoined
		}

		write := store.GroupWrite{
			Participant: domain.Participant{UserID: userID, JoinedAt: now, Amount: amount},
			Status:      domain.GroupStatusOpen,
		}
		newCount := group.CurrentParticipants + 1
		completes := newCount >= group.TargetParticipants
		if completes {
			completedAt := now
			write.Status = domain.GroupStatusComplete
			write.CompletedAt = &completedAt
		}

		switch err := c.repo.AppendParticipant(ctx, group.ID, write, group.Version); {
		case err == nil:
			if completes {
				c.publishCompleted(ctx, group, now)
			}
			log.Printf("level=info component=coordinator op=join outcome=accepted group_id=%s user_id=%s count=%d target=%d status=%s",
				group.ID, userID, newCount, group.TargetParticipants, write.Status)
			return &domain.JoinGroupResponse{
				Accepted:            true,
				GroupStatus:         write.Status,
				CurrentParticipants: newCount,
				TargetParticipants:  group.TargetParticipants,
			}, nil
		case errors.Is(err, store.ErrVersionConflict):
			c.sleepWithJitter(ctx, attempt)
			continue
		case errors.Is(err, store.ErrAlreadyJoined):
			return nil, store.ErrAlreadyJoined
		default:
			return nil, err
		}
	}

	log.Printf("level=warn component=coordinator op=join outcome=contention group_id=%s user_id=%s attempts=%d", groupID, userID, c.maxRetries)
	return nil, ErrContention
}

// Sweep transitions open groups whose deadline has passed to expired. It is
// idempotent and safe to run from multiple workers concurrently: each
// transition is conditioned on the group still being open at its version,
// so duplicate sweepers produce no duplicate effects. Returns the number of
// groups this run transitioned.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (int, error) {
	now := c.now()
	groups, err := c.repo.ListExpiredOpenGroups(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired groups: %w", err)
	}

	expired := 0
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		switch err := c.repo.MarkGroupExpired(ctx, group.ID, group.Version); {
		case err == nil:
			expired++
			c.publishExpired(ctx, group.ID, now)
			log.Printf("level=info component=coordinator op=sweep outcome=expired group_id=%s count=%d target=%d",
				group.ID, group.CurrentParticipants, group.TargetParticipants)
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrGroupNotFound):
			// A concurrent join or sweeper already settled this group.
			continue
		default:
			return expired, err
		}
	}
	return expired, nil
}

func (c *Coordinator) publishCompleted(ctx context.Context, group *domain.Group, completedAt time.Time) {
	event := domain.GroupCompletedEvent{
		GroupID:     group.ID,
		ProductID:   group.ProductID,
		CompletedAt: completedAt,
	}
	if err := c.events.Publish(ctx, rabbitmq.EventsExchange, domain.RoutingKeyGroupCompleted, event); err != nil {
		// The completion itself is durable; the materializer can also be
		// driven by a replay of this group id.
		log.Printf("level=error component=coordinator msg=\"group completed event publish failed\" group_id=%s err=%v", group.ID, err)
	}
}

func (c *Coordinator) publishExpired(ctx context.Context, groupID uuid.UUID, expiredAt time.Time) {
	event := domain.GroupExpiredEvent{GroupID: groupID, ExpiredAt: expiredAt}
	if err := c.events.Publish(ctx, rabbitmq.EventsExchange, domain.RoutingKeyGroupExpired, event); err != nil {
		log.Printf("level=error component=coordinator msg=\"group expired event publish failed\" group_id=%s err=%v", groupID, err)
	}
}

// sleepWithJitter backs off before the next optimistic retry. The jitter
// de-synchronizes competing writers.
func (c *Coordinator) sleepWithJitter(ctx context.Context, attempt int) {
	delay := c.backoff * time.Duration(attempt+1)
	delay += time.Duration(rand.Int63n(int64(c.backoff)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
