package handler

import (
	"strings"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	dErrors "careleave/pkg/domain-errors"
)

type createRequest struct {
	BeneficiaryID   string      `json:"beneficiary_id"`
	LeaveType       string      `json:"leave_type"`
	DepartureDate   models.Date `json:"departure_date"`
	ReturnDate      models.Date `json:"return_date"`
	GuardianName    string      `json:"guardian_name"`
	GuardianContact string      `json:"guardian_contact"`
	Reason          string      `json:"reason"`

	beneficiaryID id.BeneficiaryID
	leaveType     models.LeaveType
}

func (c *createRequest) Sanitize() {
	c.BeneficiaryID = strings.TrimSpace(c.BeneficiaryID)
	c.LeaveType = strings.TrimSpace(c.LeaveType)
	c.GuardianName = strings.TrimSpace(c.GuardianName)
	c.GuardianContact = strings.TrimSpace(c.GuardianContact)
	c.Reason = strings.TrimSpace(c.Reason)
}

// Validate checks shape only; date ordering and field rules are enforced
// by the aggregate.
func (c *createRequest) Validate() error {
	bid, err := id.ParseBeneficiaryID(c.BeneficiaryID)
	if err != nil {
		return err
	}
	lt, err := models.ParseLeaveType(c.LeaveType)
	if err != nil {
		return err
	}
	if c.DepartureDate.IsZero() || c.ReturnDate.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "departure_date and return_date are required")
	}
	c.beneficiaryID, c.leaveType = bid, lt
	return nil
}

func (c *createRequest) params(actor id.ActorID, role models.Role) models.NewRequestParams {
	return models.NewRequestParams{
		BeneficiaryID:   c.beneficiaryID,
		LeaveType:       c.leaveType,
		DepartureDate:   c.DepartureDate,
		ReturnDate:      c.ReturnDate,
		GuardianName:    c.GuardianName,
		GuardianContact: c.GuardianContact,
		Reason:          c.Reason,
		CreatedBy:       actor,
		CreatorRole:     role,
	}
}

type clearancePayload struct {
	Fit         bool   `json:"fit"`
	Precautions string `json:"precautions"`
}

type actionRequest struct {
	Action    string            `json:"action"`
	Note      string            `json:"note"`
	Clearance *clearancePayload `json:"clearance,omitempty"`

	action models.Action
}

func (a *actionRequest) Sanitize() {
	a.Action = strings.TrimSpace(a.Action)
	a.Note = strings.TrimSpace(a.Note)
}

func (a *actionRequest) Validate() error {
	action, err := models.ParseAction(a.Action)
	if err != nil {
		return err
	}
	if action == models.ActionRequest {
		return dErrors.New(dErrors.CodeValidation, "use POST /leave-requests to create a request")
	}
	a.action = action
	return nil
}

func (a *actionRequest) command(actor id.ActorID, role models.Role) models.Command {
	cmd := models.Command{
		Action: a.action,
		Actor:  actor,
		Role:   role,
		Note:   a.Note,
	}
	if a.Clearance != nil {
		cmd.Clearance = &models.ClearanceInput{
			Fit:         a.Clearance.Fit,
			Precautions: a.Clearance.Precautions,
		}
	}
	return cmd
}
