package models

import (
	"time"
)

// EndpointClass groups endpoints that share a budget.
type EndpointClass string

const (
	// ClassWrite covers request creation and workflow actions.
	ClassWrite EndpointClass = "write"
	// ClassExport covers register exports, which page through every request.
	ClassExport EndpointClass = "export"
)

func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassWrite, ClassExport:
		return true
	}
	return false
}

// Limit is a budget of Requests per sliding Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Enabled reports whether the limit applies at all.
func (l Limit) Enabled() bool {
	return l.Requests > 0 && l.Window > 0
}

// RateLimitResult is the outcome of one check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, set when denied
}

// NewKey builds the bucket key for a subject, which is an actor id for
// authenticated calls and a client IP otherwise.
func NewKey(class EndpointClass, subject string) string {
	return "careleave:ratelimit:" + string(class) + ":" + subject
}

// RateLimitExceededResponse is the API response when a budget is spent.
type RateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}
