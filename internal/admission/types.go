package admission

import (
	"time"

	"collabgate/pkg/types"
)

// Kind classifies an operation for per-kind concurrency limits.
type Kind string

const (
	KindEvent      Kind = "event"
	KindMerge      Kind = "merge"
	KindTransform  Kind = "transform"
	KindAIAnalysis Kind = "ai_analysis"
)

// ParseKind maps a client-supplied operation name to a Kind; "" is an event.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case "", KindEvent:
		return KindEvent, true
	case KindMerge, KindTransform, KindAIAnalysis:
		return Kind(s), true
	default:
		return "", false
	}
}

// Request describes one guarded operation.
type Request struct {
	UserID           string
	Kind             Kind
	SessionID        string
	SessionStartedAt time.Time // zero skips the duration check
	ContentSize      int64
}

// Limits are the configured ceilings. A zero value disables that check.
type Limits struct {
	ConcurrentPerKind   map[Kind]int
	UserPerMinute       int
	UserPerHour         int
	ContentBytesPerHour int64
	SessionConcurrent   int
	MaxSessionDuration  time.Duration
	GlobalConcurrent    int
}

// Usage is a snapshot of the counters relevant to one request.
type Usage struct {
	UserConcurrent    map[Kind]int64 `json:"userConcurrent"`
	UserMinute        int64          `json:"userMinute"`
	UserHour          int64          `json:"userHour"`
	ContentBytesHour  int64          `json:"contentBytesHour"`
	SessionConcurrent int64          `json:"sessionConcurrent"`
	GlobalConcurrent  int64          `json:"globalConcurrent"`
}

// Result is an admission decision. Denials carry a stable code.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

func allow() Result {
	return Result{Allowed: true}
}

func deny(code, message string, retryAfter time.Duration) Result {
	return Result{Code: code, Message: message, RetryAfter: retryAfter}
}

// Err converts a denial into a rate-limit GatewayError; nil when allowed.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return types.NewRateLimitError(r.Code, r.Message, r.RetryAfter)
}

// Status reports limits, usage and remaining quota for one user.
type Status struct {
	UserID    string           `json:"userId"`
	Limiter   string           `json:"limiter"`
	Limits    StatusLimits     `json:"limits"`
	Usage     Usage            `json:"usage"`
	Remaining StatusQuota      `json:"remaining"`
	ResetsIn  map[string]int64 `json:"resetsInSeconds"`
}

type StatusLimits struct {
	ConcurrentPerKind   map[Kind]int `json:"concurrentPerKind"`
	UserPerMinute       int          `json:"userPerMinute"`
	UserPerHour         int          `json:"userPerHour"`
	ContentBytesPerHour int64        `json:"contentBytesPerHour"`
	GlobalConcurrent    int          `json:"globalConcurrent"`
}

type StatusQuota struct {
	ConcurrentPerKind map[Kind]int64 `json:"concurrentPerKind"`
	UserMinute        int64          `json:"userMinute"`
	UserHour          int64          `json:"userHour"`
	ContentBytesHour  int64          `json:"contentBytesHour"`
}
