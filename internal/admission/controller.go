// Package admission decides whether connections and guarded operations may
// proceed, and tracks the slots they hold.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"collabgate/internal/metrics"
	"collabgate/pkg/types"
)

// ConnectionCounter reports the live connections of this gateway process.
type ConnectionCounter interface {
	Count() int
}

// concurrencyRetryAfter is the hint returned for concurrency denials, which
// clear as soon as any in-flight operation finishes.
const concurrencyRetryAfter = time.Second

// Controller applies the admission policy. The counter backend is the
// injected Limiter.
type Controller struct {
	limits         Limits
	maxConnections int
	limiter        Limiter
	connections    ConnectionCounter
	logger         *zap.Logger
	now            func() time.Time
}

// NewController builds a controller. connections may be nil until the
// registry exists; see SetConnectionCounter.
func NewController(limits Limits, maxConnections int, limiter Limiter, connections ConnectionCounter, logger *zap.Logger) *Controller {
	return &Controller{
		limits:         limits,
		maxConnections: maxConnections,
		limiter:        limiter,
		connections:    connections,
		logger:         logger,
		now:            time.Now,
	}
}

// SetConnectionCounter installs the source of the local connection count.
func (c *Controller) SetConnectionCounter(counter ConnectionCounter) {
	c.connections = counter
}

// CheckConnectionAdmission compares the local connection count with the
// per-process cap.
func (c *Controller) CheckConnectionAdmission() Result {
	if c.connections == nil || c.maxConnections <= 0 {
		return allow()
	}
	if c.connections.Count() >= c.maxConnections {
		metrics.AdmissionDenials.WithLabelValues(types.CodeServerCapacityExceeded).Inc()
		return deny(types.CodeServerCapacityExceeded, "Server at capacity", 5*time.Second)
	}
	return allow()
}

// CheckOperationAdmission runs the ordered checks and stops at the first
// failing one: user concurrency, user rate, user hourly rate, content size,
// session concurrency, session duration, global concurrency.
func (c *Controller) CheckOperationAdmission(ctx context.Context, req Request) (Result, error) {
	if !c.limiter.Enforces() {
		return allow(), nil
	}

	now := c.now()
	usage, err := c.limiter.Usage(ctx, req, now)
	if err != nil {
		return Result{}, err
	}

	res := c.evaluate(req, usage, now)
	if !res.Allowed {
		metrics.AdmissionDenials.WithLabelValues(res.Code).Inc()
		c.logger.Debug("operation denied",
			zap.String("user_id", req.UserID),
			zap.String("kind", string(req.Kind)),
			zap.String("code", res.Code))
	}
	return res, nil
}

func (c *Controller) evaluate(req Request, u Usage, now time.Time) Result {
	l := c.limits

	if limit := l.ConcurrentPerKind[req.Kind]; limit > 0 && u.UserConcurrent[req.Kind] >= int64(limit) {
		return deny(types.CodeUserConcurrentExceeded,
			fmt.Sprintf("Too many concurrent %s operations (limit %d)", req.Kind, limit),
			concurrencyRetryAfter)
	}
	if l.UserPerMinute > 0 && u.UserMinute >= int64(l.UserPerMinute) {
		return deny(types.CodeUserRateExceeded,
			fmt.Sprintf("Rate limit of %d operations per minute exceeded", l.UserPerMinute),
			untilWindowEnd(now, time.Minute))
	}
	if l.UserPerHour > 0 && u.UserHour >= int64(l.UserPerHour) {
		return deny(types.CodeUserHourlyExceeded,
			fmt.Sprintf("Rate limit of %d operations per hour exceeded", l.UserPerHour),
			untilWindowEnd(now, time.Hour))
	}
	if l.ContentBytesPerHour > 0 && u.ContentBytesHour+req.ContentSize > l.ContentBytesPerHour {
		return deny(types.CodeContentSizeExceeded,
			fmt.Sprintf("Content size limit of %d bytes per hour exceeded", l.ContentBytesPerHour),
			untilWindowEnd(now, time.Hour))
	}
	if req.SessionID != "" {
		if l.SessionConcurrent > 0 && u.SessionConcurrent >= int64(l.SessionConcurrent) {
			return deny(types.CodeSessionLimitExceeded,
				fmt.Sprintf("Too many concurrent operations in session (limit %d)", l.SessionConcurrent),
				concurrencyRetryAfter)
		}
		if l.MaxSessionDuration > 0 && !req.SessionStartedAt.IsZero() && now.Sub(req.SessionStartedAt) > l.MaxSessionDuration {
			return deny(types.CodeSessionDurationExceeded,
				fmt.Sprintf("Session exceeded maximum duration of %s", l.MaxSessionDuration),
				0)
		}
	}
	if l.GlobalConcurrent > 0 && u.GlobalConcurrent >= int64(l.GlobalConcurrent) {
		return deny(types.CodeGlobalLimitExceeded, "Gateway is at its global operation limit", concurrencyRetryAfter)
	}
	return allow()
}

// RecordOperationStart takes the slots for req.
func (c *Controller) RecordOperationStart(ctx context.Context, req Request) error {
	return c.limiter.Start(ctx, req, c.now())
}

// RecordOperationComplete releases the slots taken by RecordOperationStart.
// Counters never go below zero.
func (c *Controller) RecordOperationComplete(ctx context.Context, req Request) error {
	return c.limiter.Complete(ctx, req)
}

// Run checks req, records the start, runs fn and always records completion,
// even when fn fails or panics. A denial is returned as a rate-limit
// GatewayError.
func (c *Controller) Run(ctx context.Context, req Request, fn func(ctx context.Context) error) (err error) {
	res, err := c.CheckOperationAdmission(ctx, req)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return res.Err()
	}
	if err := c.RecordOperationStart(ctx, req); err != nil {
		return err
	}

	defer c.complete(ctx, req)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("guarded operation panicked",
				zap.String("user_id", req.UserID),
				zap.String("kind", string(req.Kind)),
				zap.Any("panic", r))
			err = &types.GatewayError{
				Kind:    types.KindInternal,
				Code:    types.CodeInternal,
				Message: "Internal server error",
				Cause:   types.Normalize("Operation panicked", r),
			}
		}
	}()

	return fn(ctx)
}

func (c *Controller) complete(ctx context.Context, req Request) {
	// Release even if the caller's context is already done.
	if err := c.RecordOperationComplete(context.WithoutCancel(ctx), req); err != nil {
		c.logger.Error("failed to release admission slot",
			zap.String("user_id", req.UserID),
			zap.String("kind", string(req.Kind)),
			zap.Error(err))
	}
}

// Status reports the limits, current usage and remaining quota of userID.
func (c *Controller) Status(ctx context.Context, userID string) (Status, error) {
	now := c.now()
	usage, err := c.limiter.Usage(ctx, Request{UserID: userID}, now)
	if err != nil {
		return Status{}, err
	}

	l := c.limits
	remaining := func(limit, used int64) int64 {
		if limit <= 0 {
			return -1
		}
		return lo.Max([]int64{limit - used, 0})
	}

	return Status{
		UserID:  userID,
		Limiter: c.limiter.Name(),
		Limits: StatusLimits{
			ConcurrentPerKind:   l.ConcurrentPerKind,
			UserPerMinute:       l.UserPerMinute,
			UserPerHour:         l.UserPerHour,
			ContentBytesPerHour: l.ContentBytesPerHour,
			GlobalConcurrent:    l.GlobalConcurrent,
		},
		Usage: usage,
		Remaining: StatusQuota{
			ConcurrentPerKind: lo.MapValues(l.ConcurrentPerKind, func(limit int, kind Kind) int64 {
				return remaining(int64(limit), usage.UserConcurrent[kind])
			}),
			UserMinute:       remaining(int64(l.UserPerMinute), usage.UserMinute),
			UserHour:         remaining(int64(l.UserPerHour), usage.UserHour),
			ContentBytesHour: remaining(l.ContentBytesPerHour, usage.ContentBytesHour),
		},
		ResetsIn: map[string]int64{
			"minute": int64(untilWindowEnd(now, time.Minute).Seconds()),
			"hour":   int64(untilWindowEnd(now, time.Hour).Seconds()),
		},
	}, nil
}
