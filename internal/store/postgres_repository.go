/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for the Group aggregate. Group rows carry a `version` column;
 * every mutation is conditioned on the version the caller read and bumps it
 * by one, so no two successful writes to the same group are ever concurrent.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// CreateGroup inserts a new open group at version 1.
func (r *PostgresRepository) CreateGroup(ctx context.Context, group *domain.Group) error {
	query := `
		INSERT INTO groups (
			id, product_id, target_participants, current_participants,
			status, expires_at, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, 0, $4, $5, 1, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		group.ID, group.ProductID, group.TargetParticipants, group.Status, group.ExpiresAt,
	).Scan(&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	group.CurrentParticipants = 0
	group.Version = 1
	return nil
}

// GetGroup retrieves a group and its participant list.
func (r *PostgresRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	var group domain.Group
	query := `
		SELECT id, product_id, target_participants, current_participants,
		       status, expires_at, completed_at, version, created_at, updated_at
		FROM groups
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, groupID).Scan(
		&group.ID, &group.ProductID, &group.TargetParticipants, &group.CurrentParticipants,
		&group.Status, &group.ExpiresAt, &group.CompletedAt, &group.Version,
		&group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT user_id, joined_at, amount
		FROM group_participants
		WHERE group_id = $1
		ORDER BY joined_at ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.JoinedAt, &p.Amount); err != nil {
			return nil, err
		}
		group.Participants = append(group.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &group, nil
}

// ListGroups returns a paginated status-filtered projection of groups,
// without participant lists.
func (r *PostgresRepository) ListGroups(ctx context.Context, opts domain.GroupListOptions) ([]domain.Group, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, product_id, target_participants, current_participants,
		       status, expires_at, completed_at, version, created_at, updated_at
		FROM groups
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, opts.Status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(
			&g.ID, &g.ProductID, &g.TargetParticipants, &g.CurrentParticipants,
			&g.Status, &g.ExpiresAt, &g.CompletedAt, &g.Version, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AppendParticipant performs the conditional join write: bump the counter,
// apply the caller-computed status, append the participant row, all in one
// transaction keyed on the expected version.
func (r *PostgresRepository) AppendParticipant(ctx context.Context, groupID uuid.UUID, write GroupWrite, expectedVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin join tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE groups
		SET current_participants = current_participants + 1,
		    status = $3,
		    completed_at = COALESCE($4, completed_at),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	result, err := tx.Exec(ctx, updateQuery, groupID, expectedVersion, write.Status, write.CompletedAt)
	if err != nil {
		return fmt.Errorf("conditional group update: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.classifyMissedWrite(ctx, groupID)
	}

	insertQuery := `
		INSERT INTO group_participants (group_id, user_id, joined_at, amount)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insertQuery, groupID, write.Participant.UserID, write.Participant.JoinedAt, write.Participant.Amount); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyJoined
		}
		return fmt.Errorf("insert participant: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkGroupExpired flips an open group to expired. The status guard makes
// the transition idempotent across concurrent sweepers: a second writer
// misses the row and gets a version conflict, and re-reading shows the
// group already expired.
func (r *PostgresRepository) MarkGroupExpired(ctx context.Context, groupID uuid.UUID, expectedVersion int64) error {
	query := `
		UPDATE groups
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, groupID, expectedVersion, domain.GroupStatusExpired, domain.GroupStatusOpen)
	if err != nil {
		return fmt.Errorf("conditional expiry update: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.classifyMissedWrite(ctx, groupID)
	}
	return nil
}

// classifyMissedWrite distinguishes a missing row from a version mismatch
// after a conditional update touched zero rows.
func (r *PostgresRepository) classifyMissedWrite(ctx context.Context, groupID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrGroupNotFound
	}
	return ErrVersionConflict
}

// ListExpiredOpenGroups returns open groups whose deadline has passed, for
// the sweeper to transition. Bounded so a single sweep run stays cheap.
func (r *PostgresRepository) ListExpiredOpenGroups(ctx context.Context, now time.Time, limit int) ([]domain.Group, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, product_id, target_participants, current_participants,
		       status, expires_at, completed_at, version, created_at, updated_at
		FROM groups
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.GroupStatusOpen, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(
			&g.ID, &g.ProductID, &g.TargetParticipants, &g.CurrentParticipants,
			&g.Status, &g.ExpiresAt, &g.CompletedAt, &g.Version, &g.CreatedAt, &g.UpdatedAt,
		); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
