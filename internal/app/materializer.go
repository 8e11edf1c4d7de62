/**
 * @description
 * This file contains the order materializer: the consumer of GroupCompleted
 * events. It creates one order per participant at the price each committed
 * to. The broker delivers at least once, so materialization is keyed on
 * (group_id, user_id) and a redelivery creates nothing new.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
)

const materializerTimeout = 15 * time.Second

// Materializer turns completed groups into orders.
type Materializer struct {
	repo store.Repository
}

func NewMaterializer(repo store.Repository) *Materializer {
	return &Materializer{repo: repo}
}

// HandleMessage is the RabbitMQ binding adapter. Returning false re-queues
// the delivery.
func (m *Materializer) HandleMessage(body []byte) bool {
	var event domain.GroupCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=materializer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}
	if event.GroupID == uuid.Nil {
		log.Printf("level=warn component=materializer msg=\"missing group id; dropping\" payload=%s", string(body))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), materializerTimeout)
	defer cancel()

	if err := m.OnGroupCompleted(ctx, event.GroupID); err != nil {
		log.Printf("level=warn component=materializer msg=\"materialization incomplete; re-queuing\" group_id=%s err=%v", event.GroupID, err)
		return false
	}
	return true
}

// OnGroupCompleted creates one order per participant. A failure on one
// participant does not block the others; the aggregated error triggers a
// redelivery, and already-created orders survive it untouched.
func (m *Materializer) OnGroupCompleted(ctx context.Context, groupID uuid.UUID) error {
	group, err := m.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			log.Printf("level=warn component=materializer msg=\"group not found; dropping event\" group_id=%s", groupID)
			return nil
		}
		return fmt.Errorf("load group: %w", err)
	}
	if group.Status != domain.GroupStatusComplete {
		log.Printf("level=warn component=materializer msg=\"group not complete; dropping event\" group_id=%s status=%s", groupID, group.Status)
		return nil
	}

	var failed int
	for _, participant := range group.Participants {
		order := &domain.Order{
			ID:      uuid.New(),
			GroupID: &group.ID,
			UserID:  participant.UserID,
			Items: []domain.OrderItem{{
				ProductID: group.ProductID,
				Quantity:  1,
				UnitPrice: participant.Amount,
			}},
			TotalAmount: participant.Amount,
			Status:      domain.OrderStatusPending,
		}

		created, err := m.repo.CreateOrderIfAbsent(ctx, order)
		if err != nil {
			failed++
			log.Printf("level=error component=materializer msg=\"order creation failed\" group_id=%s user_id=%s err=%v", group.ID, participant.UserID, err)
			continue
		}
		if created {
			log.Printf("level=info component=materializer msg=\"order created\" group_id=%s user_id=%s order_id=%s amount=%d",
				group.ID, participant.UserID, order.ID, order.TotalAmount)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d participant orders failed", failed, len(group.Participants))
	}
	return nil
}
