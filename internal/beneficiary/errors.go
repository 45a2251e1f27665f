package beneficiary

import (
	dErrors "careleave/pkg/domain-errors"
)

func errInvalidPair(pair string) error {
	return dErrors.New(dErrors.CodeValidation, "invalid beneficiary directory entry "+pair)
}
