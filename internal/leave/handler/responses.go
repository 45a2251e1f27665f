package handler

import (
	"context"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
)

type leaveResponse struct {
	*models.LeaveRequest
	BeneficiaryName  string          `json:"beneficiary_name,omitempty"`
	AvailableActions []models.Action `json:"available_actions"`
}

type listResponse struct {
	Items    []leaveResponse `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type historyResponse struct {
	RequestID id.LeaveRequestID     `json:"request_id"`
	Entries   []models.HistoryEntry `json:"entries"`
}

type scanResponse struct {
	Ran       bool `json:"ran"`
	Checked   int  `json:"checked"`
	Escalated int  `json:"escalated"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
}

func (h *Handler) toResponse(ctx context.Context, r *models.LeaveRequest, role models.Role) leaveResponse {
	actions := models.AvailableActions(r.State, role)
	if actions == nil {
		actions = []models.Action{}
	}
	return leaveResponse{
		LeaveRequest:     r,
		BeneficiaryName:  h.service.BeneficiaryName(ctx, r.BeneficiaryID),
		AvailableActions: actions,
	}
}
