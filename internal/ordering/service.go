/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ordering

import (
	"context"
	"fmt"
	"math"

	"creditgen-go/internal/metrics"
	"creditgen-go/internal/models"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultSpacing int64 = 3_600_000_000
	DefaultMinGap  int64 = 1000
)

// Placement modes, also used as metric labels
const (
	ModeMidpoint     = "midpoint"
	ModeEdge         = "edge"
	ModeRedistribute = "redistribute"
	ModeExplicit     = "explicit"
)

// MoveRequest moves one asset to TargetIndex of OrderedIDs, the order the
// client currently displays. An empty GroupID addresses the global order.
type MoveRequest struct {
	UserID      string   `json:"-"`
	GroupID     string   `json:"groupId,omitempty"`
	AssetID     string   `json:"-"`
	TargetIndex int      `json:"targetIndex"`
	OrderedIDs  []string `json:"orderedIds"`
}

// Service assigns sparse position keys to completed assets
type Service struct {
	db      store.PipelineStore
	spacing int64
	minGap  int64
}

func NewService(db store.PipelineStore, cfg models.OrderingConfig) *Service {
	if cfg.Spacing <= 0 {
		cfg.Spacing = DefaultSpacing
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.MinGap > cfg.Spacing {
		cfg.MinGap = cfg.Spacing
	}
	return &Service{db: db, spacing: cfg.Spacing, minGap: cfg.MinGap}
}

// List returns the completed assets of the scope in display order.
func (s *Service) List(ctx context.Context, userID, groupID string) ([]models.JobRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", pipeline.ErrValidation)
	}
	return s.db.ListOrdered(ctx, store.OrderScope{UserId: userID, GroupId: groupID})
}

// Reorder places one asset at its new index. The neighbours' stored keys
// normally leave room for a midpoint; otherwise the whole list is
// renumbered in the same transaction.
func (s *Service) Reorder(ctx context.Context, req MoveRequest) (string, error) {
	if req.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", pipeline.ErrValidation)
	}
	if err := validateList(req.OrderedIDs); err != nil {
		return "", err
	}
	if req.TargetIndex < 0 || req.TargetIndex >= len(req.OrderedIDs) {
		return "", fmt.Errorf("%w: target index %d outside [0, %d]", pipeline.ErrValidation, req.TargetIndex, len(req.OrderedIDs)-1)
	}

	others := make([]string, 0, len(req.OrderedIDs)-1)
	found := false
	for _, id := range req.OrderedIDs {
		if id == req.AssetID {
			found = true
			continue
		}
		others = append(others, id)
	}
	if !found {
		return "", fmt.Errorf("%w: asset %s is not in the ordered list", pipeline.ErrValidation, req.AssetID)
	}

	desired := make([]string, 0, len(req.OrderedIDs))
	desired = append(desired, others[:req.TargetIndex]...)
	desired = append(desired, req.AssetID)
	desired = append(desired, others[req.TargetIndex:]...)

	var mode string
	scope := store.OrderScope{UserId: req.UserID, GroupId: req.GroupID}
	err := s.db.UpdatePositions(ctx, scope, req.OrderedIDs, false, func(current map[string]int64) (map[string]int64, error) {
		var keys map[string]int64
		keys, mode = s.placeOne(current, others, req.AssetID, req.TargetIndex)
		if keys == nil {
			keys = s.evenlySpaced(desired)
		}
		return keys, nil
	})
	if err != nil {
		return "", err
	}

	metrics.Reorders.WithLabelValues(mode).Inc()
	zap.L().Info("Asset moved",
		zap.String("user_id", req.UserID),
		zap.String("group_id", req.GroupID),
		zap.String("asset_id", req.AssetID),
		zap.Int("target_index", req.TargetIndex),
		zap.String("mode", mode))
	return mode, nil
}

// placeOne picks a key for the moved asset alone. It returns nil keys with
// ModeRedistribute when the list has to be renumbered.
func (s *Service) placeOne(current map[string]int64, others []string, assetID string, index int) (map[string]int64, string) {
	if len(others) == 0 {
		return map[string]int64{assetID: s.spacing}, ModeEdge
	}

	prev, ok := current[others[0]]
	if !ok {
		return nil, ModeRedistribute
	}
	for _, id := range others[1:] {
		key, ok := current[id]
		if !ok || key <= prev {
			return nil, ModeRedistribute
		}
		prev = key
	}

	switch index {
	case 0:
		first := current[others[0]]
		if first < math.MinInt64+s.spacing {
			return nil, ModeRedistribute
		}
		return map[string]int64{assetID: first - s.spacing}, ModeEdge
	case len(others):
		last := current[others[len(others)-1]]
		if last > math.MaxInt64-s.spacing {
			return nil, ModeRedistribute
		}
		return map[string]int64{assetID: last + s.spacing}, ModeEdge
	}

	before, after := current[others[index-1]], current[others[index]]
	if after-before < 2*s.minGap {
		return nil, ModeRedistribute
	}
	return map[string]int64{assetID: before + (after-before)/2}, ModeMidpoint
}

// SetExplicitOrder writes strictly increasing keys by array position. A
// group order may name any subset of the user's assets and replaces the
// group's membership; the global order must list every asset.
func (s *Service) SetExplicitOrder(ctx context.Context, userID, groupID string, orderedIDs []string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", pipeline.ErrValidation)
	}
	if err := validateList(orderedIDs); err != nil {
		return err
	}

	scope := store.OrderScope{UserId: userID, GroupId: groupID}
	err := s.db.UpdatePositions(ctx, scope, orderedIDs, groupID != "", func(map[string]int64) (map[string]int64, error) {
		return s.evenlySpaced(orderedIDs), nil
	})
	if err != nil {
		return err
	}

	metrics.Reorders.WithLabelValues(ModeExplicit).Inc()
	zap.L().Info("Explicit order saved",
		zap.String("user_id", userID),
		zap.String("group_id", groupID),
		zap.Int("assets", len(orderedIDs)))
	return nil
}

func (s *Service) evenlySpaced(ids []string) map[string]int64 {
	keys := make(map[string]int64, len(ids))
	for i, id := range ids {
		keys[id] = int64(i+1) * s.spacing
	}
	return keys
}

func validateList(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: ordered list is empty", pipeline.ErrValidation)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: ordered list contains an empty id", pipeline.ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: asset %s listed twice", pipeline.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
