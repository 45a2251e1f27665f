package leave

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetRequestID() string
	SetRequestID(id string)
}

// RegisterSteps registers leave workflow step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &leaveSteps{tc: tc}

	ctx.Step(`^I request a "([^"]*)" leave for beneficiary "([^"]*)" from "([^"]*)" to "([^"]*)"$`, steps.requestLeave)
	ctx.Step(`^I clear the request medically with precautions "([^"]*)"$`, steps.clearMedically)
	ctx.Step(`^I apply the action "([^"]*)"$`, steps.applyAction)
	ctx.Step(`^I apply the action "([^"]*)" with note "([^"]*)"$`, steps.applyActionWithNote)
	ctx.Step(`^I read the history of the request$`, steps.readHistory)
	ctx.Step(`^the history should list actions "([^"]*)"$`, steps.historyShouldList)
}

type leaveSteps struct {
	tc TestContext
}

func (s *leaveSteps) requestLeave(ctx context.Context, leaveType, beneficiaryID, from, to string) error {
	err := s.tc.POST("/leave-requests", map[string]any{
		"beneficiary_id":   beneficiaryID,
		"leave_type":       leaveType,
		"departure_date":   from,
		"return_date":      to,
		"guardian_name":    "Maria Silva",
		"guardian_contact": "+351 912 345 678",
		"reason":           "e2e scenario",
	})
	if err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != 201 {
		return nil
	}
	id, err := s.tc.GetResponseField("id")
	if err != nil {
		return err
	}
	s.tc.SetRequestID(fmt.Sprint(id))
	return nil
}

func (s *leaveSteps) actionsPath() (string, error) {
	if s.tc.GetRequestID() == "" {
		return "", fmt.Errorf("no leave request was created in this scenario")
	}
	return "/leave-requests/" + s.tc.GetRequestID() + "/actions", nil
}

func (s *leaveSteps) clearMedically(ctx context.Context, precautions string) error {
	path, err := s.actionsPath()
	if err != nil {
		return err
	}
	return s.tc.POST(path, map[string]any{
		"action":    "medical_clear",
		"clearance": map[string]any{"fit": true, "precautions": precautions},
	})
}

func (s *leaveSteps) applyAction(ctx context.Context, action string) error {
	return s.applyActionWithNote(ctx, action, "")
}

func (s *leaveSteps) applyActionWithNote(ctx context.Context, action, note string) error {
	path, err := s.actionsPath()
	if err != nil {
		return err
	}
	return s.tc.POST(path, map[string]any{"action": action, "note": note})
}

func (s *leaveSteps) readHistory(ctx context.Context) error {
	if s.tc.GetRequestID() == "" {
		return fmt.Errorf("no leave request was created in this scenario")
	}
	return s.tc.GET("/leave-requests/" + s.tc.GetRequestID() + "/history")
}

func (s *leaveSteps) historyShouldList(ctx context.Context, expected string) error {
	raw, err := s.tc.GetResponseField("entries")
	if err != nil {
		return err
	}
	entries, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("entries is not a list")
	}
	var got []string
	for _, e := range entries {
		entry, _ := e.(map[string]any)
		got = append(got, fmt.Sprint(entry["action"]))
	}
	want := strings.Split(expected, ",")
	if !slices.Equal(got, want) {
		return fmt.Errorf("expected actions %v, got %v", want, got)
	}
	return nil
}
