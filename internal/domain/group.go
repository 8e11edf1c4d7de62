/**
 * @description
 * This file defines the Group aggregate and its request/response DTOs. A group
 * is a pending collective purchase: buyers join until the participant target
 * is reached (group completes) or the deadline passes (group expires).
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (halalas),
 *   which avoids floating-point inaccuracies with financial data.
 * - `Version` is the optimistic-concurrency stamp: every successful write to
 *   a group row increments it, and writers condition their update on the
 *   version they read.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Group statuses. A group is created open and ends in exactly one of the two
// terminal states; there is no way back to open.
const (
	GroupStatusOpen     = "open"
	GroupStatusComplete = "complete"
	GroupStatusExpired  = "expired"
)

// Group represents a collective purchase with a participant target and a
// deadline. This struct maps directly to the `groups` table.
type Group struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	ProductID           uuid.UUID     `json:"product_id" db:"product_id"`
	TargetParticipants  int           `json:"target_participants" db:"target_participants"`
	CurrentParticipants int           `json:"current_participants" db:"current_participants"`
	Participants        []Participant `json:"participants,omitempty"`
	Status              string        `json:"status" db:"status"`
	ExpiresAt           time.Time     `json:"expires_at" db:"expires_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	Version             int64         `json:"-" db:"version"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// Participant is one buyer's commitment inside a group. Unique per
// (group_id, user_id).
type Participant struct {
	UserID   uuid.UUID `json:"user_id" db:"user_id"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
	Amount   int64     `json:"amount" db:"amount"` // in halalas
}

// HasParticipant reports whether userID already holds a slot in the group.
func (g *Group) HasParticipant(userID uuid.UUID) bool {
	for _, p := range g.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// CreateGroupRequest is the DTO the catalog/admin collaborator sends to start
// a new group.
type CreateGroupRequest struct {
	ProductID          uuid.UUID `json:"product_id"`
	TargetParticipants int       `json:"target_participants"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// JoinGroupRequest is the DTO for a buyer committing to a group.
type JoinGroupRequest struct {
	Amount int64 `json:"amount"` // in halalas
}

// JoinGroupResponse reports the outcome of a join attempt.
type JoinGroupResponse struct {
	Accepted            bool   `json:"accepted"`
	GroupStatus         string `json:"group_status"`
	CurrentParticipants int    `json:"current_participants"`
	TargetParticipants  int    `json:"target_participants"`
}

// GroupListOptions controls pagination and filtering for the group list
// projection.
type GroupListOptions struct {
	Status string
	Limit  int
	Offset int
}
