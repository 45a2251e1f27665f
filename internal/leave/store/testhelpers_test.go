package store

import (
	"time"

	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
)

func newTestRequest(beneficiary string, created time.Time) *models.LeaveRequest {
	r, err := models.NewLeaveRequest(id.NewLeaveRequestID(), models.NewRequestParams{
		BeneficiaryID:   id.BeneficiaryID(beneficiary),
		LeaveType:       models.LeaveTypeHomeVisit,
		DepartureDate:   models.Date{Year: 2026, Month: time.March, Day: 1},
		ReturnDate:      models.Date{Year: 2026, Month: time.March, Day: 3},
		GuardianName:    "Amara Okafor",
		GuardianContact: "+27 82 555 0101",
		Reason:          "Family visit",
		CreatedBy:       "staff.ndlovu",
		CreatorRole:     models.RoleStaff,
	}, created)
	if err != nil {
		panic(err)
	}
	return r
}

func clearCommand() models.Command {
	return models.Command{
		Action:    models.ActionMedicalClear,
		Actor:     "dr.house",
		Role:      models.RoleMedical,
		Clearance: &models.ClearanceInput{Fit: true, Precautions: "carry inhaler"},
	}
}
