package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "careleave/pkg/domain-errors"
)

// Typed identifiers keep leave requests, history entries and beneficiaries
// from being mixed up at compile time.
type (
	LeaveRequestID uuid.UUID
	EntryID        uuid.UUID
)

// BeneficiaryID is owned by the beneficiary directory. The workflow only
// references it, so it is kept as an opaque, validated string.
type BeneficiaryID string

// ActorID identifies the staff member (or "system") performing an action.
type ActorID string

// SystemActor is the identity recorded for automated transitions.
const SystemActor ActorID = "system"

const (
	maxBeneficiaryIDLen = 64
	maxActorIDLen       = 128
)

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, kind+" is required")
	}
	if len(s) > 64 || !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+kind)
	}
	return u, nil
}

// NewLeaveRequestID returns a fresh random identifier.
func NewLeaveRequestID() LeaveRequestID { return LeaveRequestID(uuid.New()) }

// ParseLeaveRequestID validates external input at trust boundaries.
func ParseLeaveRequestID(s string) (LeaveRequestID, error) {
	u, err := parseUUID(s, "leave request id")
	if err != nil {
		return LeaveRequestID{}, err
	}
	return LeaveRequestID(u), nil
}

func (id LeaveRequestID) String() string { return uuid.UUID(id).String() }
func (id LeaveRequestID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id LeaveRequestID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *LeaveRequestID) UnmarshalText(b []byte) error {
	parsed, err := ParseLeaveRequestID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewEntryID returns a fresh random history entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "history entry id")
	if err != nil {
		return EntryID{}, err
	}
	return EntryID(u), nil
}

func (id EntryID) String() string { return uuid.UUID(id).String() }
func (id EntryID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id EntryID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EntryID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntryID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseBeneficiaryID accepts any printable identifier the directory issues.
func ParseBeneficiaryID(s string) (BeneficiaryID, error) {
	s = strings.TrimSpace(s)
	if err := checkOpaque(s, "beneficiary id", maxBeneficiaryIDLen); err != nil {
		return "", err
	}
	return BeneficiaryID(s), nil
}

func (id BeneficiaryID) String() string { return string(id) }

// ParseActorID validates an actor identity supplied by the identity provider.
func ParseActorID(s string) (ActorID, error) {
	s = strings.TrimSpace(s)
	if err := checkOpaque(s, "actor id", maxActorIDLen); err != nil {
		return "", err
	}
	return ActorID(s), nil
}

func (id ActorID) String() string { return string(id) }

func checkOpaque(s, kind string, maxLen int) error {
	if s == "" {
		return dErrors.New(dErrors.CodeValidation, kind+" is required")
	}
	if len(s) > maxLen || !utf8.ValidString(s) {
		return dErrors.New(dErrors.CodeValidation, "invalid "+kind)
	}
	for _, r := range s {
		if unicode.IsControl(r) || r == '\u200b' {
			return dErrors.New(dErrors.CodeValidation, "invalid "+kind)
		}
	}
	return nil
}
