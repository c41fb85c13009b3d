package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"creditgen-go/internal/models"
	"creditgen-go/internal/store"

	"go.uber.org/zap"
)

// ListOrdered returns the completed assets of a scope sorted by their key.
// For a group scope the key is reported in GroupOrder.
func (s *Service) ListOrdered(ctx context.Context, scope store.OrderScope) ([]models.JobRecord, error) {
	if scope.GroupId == "" {
		return s.queryJobs(ctx, queryListOrderedGlobal, s.namespace, scope.UserId)
	}

	rows, err := s.db.QueryContext(ctx, queryListOrderedGroup, s.namespace, scope.UserId, scope.GroupId)
	if err != nil {
		return nil, fmt.Errorf("failed to list group order: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var jobs []models.JobRecord
	for rows.Next() {
		var orderIndex int64
		job, err := scanJob(rows, &orderIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		job.GroupOrder = map[string]int64{scope.GroupId: orderIndex}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group rows: %w", err)
	}
	return jobs, nil
}

// UpdatePositions proves ownership of every id, hands the stored keys to plan
// and writes the result, all in one transaction. Unless replaceMembers is set,
// ids must name exactly the assets currently in scope.
func (s *Service) UpdatePositions(ctx context.Context, scope store.OrderScope, ids []string, replaceMembers bool, plan store.PositionPlanner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := s.checkOrderable(ctx, tx, scope.UserId, id); err != nil {
			return err
		}
	}

	stored, err := s.scopeKeys(ctx, tx, scope)
	if err != nil {
		return err
	}

	listed := make(map[string]bool, len(ids))
	current := make(map[string]int64, len(ids))
	for _, id := range ids {
		listed[id] = true
		if key, ok := stored[id]; ok {
			current[id] = key
		}
	}

	var removed []string
	for id := range stored {
		if !listed[id] {
			removed = append(removed, id)
		}
	}
	if !replaceMembers && (len(removed) > 0 || len(current) != len(ids)) {
		return fmt.Errorf("%w: listed %d, stored %d", store.ErrStaleOrder, len(ids), len(stored))
	}
	if replaceMembers && scope.GroupId == "" && len(removed) > 0 {
		return fmt.Errorf("%w: global order must list every asset", store.ErrStaleOrder)
	}

	keys, err := plan(current)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for id, key := range keys {
		if !listed[id] {
			return fmt.Errorf("planned key for unlisted asset %s", id)
		}
		if scope.GroupId == "" {
			_, err = tx.ExecContext(ctx, queryUpdatePosition, key, now, s.namespace, id)
		} else {
			_, err = tx.ExecContext(ctx, queryUpsertMembership, s.namespace, scope.GroupId, id, scope.UserId, key, now)
		}
		if err != nil {
			return fmt.Errorf("failed to write order for %s: %w", id, mapSQLiteError(err))
		}
	}

	for _, id := range removed {
		if _, err := tx.ExecContext(ctx, queryDeleteMembership, s.namespace, scope.GroupId, id); err != nil {
			return fmt.Errorf("failed to remove group member %s: %w", id, mapSQLiteError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}

	zap.L().Info("Order updated",
		zap.String("user_id", scope.UserId),
		zap.String("group_id", scope.GroupId),
		zap.Int("written", len(keys)),
		zap.Int("removed", len(removed)))
	return nil
}

func (s *Service) checkOrderable(ctx context.Context, tx *sql.Tx, userId, jobId string) error {
	var owner string
	var state models.JobState
	err := tx.QueryRowContext(ctx, queryGetOwnership, s.namespace, jobId).Scan(&owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: asset %s", store.ErrNotOwner, jobId)
	}
	if err != nil {
		return fmt.Errorf("failed to check ownership: %w", mapSQLiteError(err))
	}
	if owner != userId {
		zap.L().Warn("Ownership check failed",
			zap.String("user_id", userId),
			zap.String("job_id", jobId))
		return fmt.Errorf("%w: asset %s", store.ErrNotOwner, jobId)
	}
	if state != models.JobCompleted {
		return fmt.Errorf("%w: asset %s is %s", store.ErrNotOrderable, jobId, state)
	}
	return nil
}

func (s *Service) scopeKeys(ctx context.Context, tx *sql.Tx, scope store.OrderScope) (map[string]int64, error) {
	var rows *sql.Rows
	var err error
	if scope.GroupId == "" {
		rows, err = tx.QueryContext(ctx, queryGlobalKeys, s.namespace, scope.UserId)
	} else {
		rows, err = tx.QueryContext(ctx, queryGroupKeys, s.namespace, scope.UserId, scope.GroupId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scope keys: %w", mapSQLiteError(err))
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	keys := make(map[string]int64)
	for rows.Next() {
		var id string
		var key int64
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan scope key: %w", err)
		}
		keys[id] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scope keys: %w", err)
	}
	return keys, nil
}
