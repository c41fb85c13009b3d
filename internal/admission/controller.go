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

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"creditgen-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rejection reasons, rendered to clients as-is.
const (
	ReasonCooldown = "Please wait a moment before submitting again."
	ReasonTooMany  = "Too many requests. Please try again later."
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed bool
	Reason  string
	Token   string
}

// Admitter gates submissions before any credit is touched. Implementations
// never fail: a broken backend admits.
type Admitter interface {
	Admit(ctx context.Context, userId string, kind models.MediaKind) Decision
}

// ControllerConfig configures the in-process limiter
type ControllerConfig struct {
	Window        time.Duration
	MaxRequests   int
	Cooldown      time.Duration
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// entry is the rate-limit state of one (user, kind) pair.
type entry struct {
	mu             sync.Mutex
	admitted       []time.Time
	lastAdmittedAt time.Time
	lastSeen       time.Time
	lastToken      string
	evicted        bool
}

// Controller is a process-local limiter: a rolling window of admitted
// requests plus a cooldown since the last admitted request. State is lost on
// restart.
type Controller struct {
	window        time.Duration
	maxRequests   int
	cooldown      time.Duration
	idleTTL       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	entries sync.Map

	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

var _ Admitter = (*Controller)(nil)

func NewController(cfg ControllerConfig) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Controller{
		window:        cfg.Window,
		maxRequests:   cfg.MaxRequests,
		cooldown:      cfg.Cooldown,
		idleTTL:       cfg.IdleTTL,
		sweepInterval: cfg.SweepInterval,
		now:           now,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

func entryKey(userId string, kind models.MediaKind) string {
	return userId + "|" + string(kind)
}

// Admit checks and records one request. Anonymous callers are admitted
// without bookkeeping; the ledger turns them away.
func (c *Controller) Admit(_ context.Context, userId string, kind models.MediaKind) Decision {
	if userId == "" {
		return Decision{Allowed: true, Token: uuid.New().String()}
	}

	key := entryKey(userId, kind)
	for {
		value, _ := c.entries.LoadOrStore(key, &entry{})
		e := value.(*entry)

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		decision := c.admitLocked(e)
		e.mu.Unlock()

		if !decision.Allowed {
			zap.L().Debug("Admission rejected",
				zap.String("user_id", userId),
				zap.String("kind", string(kind)),
				zap.String("reason", decision.Reason))
		}
		return decision
	}
}

func (c *Controller) admitLocked(e *entry) Decision {
	now := c.now()
	e.lastSeen = now

	cutoff := now.Add(-c.window)
	keep := 0
	for keep < len(e.admitted) && !e.admitted[keep].After(cutoff) {
		keep++
	}
	e.admitted = e.admitted[keep:]

	if !e.lastAdmittedAt.IsZero() && now.Sub(e.lastAdmittedAt) < c.cooldown {
		return Decision{Allowed: false, Reason: ReasonCooldown}
	}
	if len(e.admitted) >= c.maxRequests {
		return Decision{Allowed: false, Reason: ReasonTooMany}
	}

	e.admitted = append(e.admitted, now)
	e.lastAdmittedAt = now
	e.lastToken = uuid.New().String()
	return Decision{Allowed: true, Token: e.lastToken}
}

// Start launches the idle entry sweep.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.sweepLoop(ctx)
	zap.L().Info("Admission controller started",
		zap.Duration("window", c.window),
		zap.Int("max_requests", c.maxRequests),
		zap.Duration("cooldown", c.cooldown))
}

// Stop ends the sweep loop and waits for it to exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.started.Load() {
			<-c.doneChan
		}
	})
}

func (c *Controller) sweepLoop(ctx context.Context) {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evicts entries idle for longer than the idle TTL.
func (c *Controller) Sweep() int {
	cutoff := c.now().Add(-c.idleTTL)
	evicted := 0
	c.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if e.lastSeen.Before(cutoff) {
			e.evicted = true
			c.entries.Delete(key)
			evicted++
		}
		e.mu.Unlock()
		return true
	})

	if evicted > 0 {
		zap.L().Debug("Evicted idle rate-limit entries", zap.Int("evicted", evicted))
	}
	return evicted
}

// Len reports the number of tracked (user, kind) pairs.
func (c *Controller) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
