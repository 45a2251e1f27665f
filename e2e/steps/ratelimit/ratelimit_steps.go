package ratelimit

import (
	"context"
	"fmt"
	"slices"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GetLastResponseStatus() int
	GetLastResponseHeader(name string) string
}

// RegisterSteps registers write budget step definitions. The scenarios
// assume the server runs with a small RATE_LIMIT_WRITES_PER_MINUTE.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I submit (\d+) leave requests in a row$`, steps.submitRequests)
	ctx.Step(`^at least one submission should be refused with (\d+)$`, steps.someRefusedWith)
	ctx.Step(`^the last response should carry the "([^"]*)" header$`, steps.lastResponseHasHeader)
}

type ratelimitSteps struct {
	tc       TestContext
	statuses []int
}

func (s *ratelimitSteps) submitRequests(ctx context.Context, n int) error {
	s.statuses = s.statuses[:0]
	for range n {
		err := s.tc.POST("/leave-requests", map[string]any{
			"beneficiary_id":   "BEN-RATE",
			"leave_type":       "event",
			"departure_date":   "2026-12-01",
			"return_date":      "2026-12-01",
			"guardian_name":    "Maria Silva",
			"guardian_contact": "+351 912 345 678",
			"reason":           "budget check",
		})
		if err != nil {
			return err
		}
		s.statuses = append(s.statuses, s.tc.GetLastResponseStatus())
	}
	return nil
}

func (s *ratelimitSteps) someRefusedWith(ctx context.Context, status int) error {
	if !slices.Contains(s.statuses, status) {
		return fmt.Errorf("no submission returned %d: %v", status, s.statuses)
	}
	return nil
}

func (s *ratelimitSteps) lastResponseHasHeader(ctx context.Context, name string) error {
	if s.tc.GetLastResponseHeader(name) == "" {
		return fmt.Errorf("header %s missing", name)
	}
	return nil
}
