// Package beneficiary resolves beneficiary identifiers to display names.
// The leave workflow stores only the identifier; names are looked up at
// read time and never persisted with a request.
package beneficiary

import (
	"context"
	"strings"
	"sync"

	id "careleave/pkg/domain"
	"careleave/pkg/platform/sentinel"
)

// Directory resolves beneficiary display names. Implementations return
// sentinel.ErrNotFound for unknown identifiers.
type Directory interface {
	DisplayName(ctx context.Context, beneficiaryID id.BeneficiaryID) (string, error)
}

// Static is an in-process directory, used in development and tests.
type Static struct {
	mu    sync.RWMutex
	names map[id.BeneficiaryID]string
}

// NewStatic creates a directory seeded with names.
func NewStatic(names map[id.BeneficiaryID]string) *Static {
	s := &Static{names: make(map[id.BeneficiaryID]string, len(names))}
	for k, v := range names {
		s.names[k] = v
	}
	return s
}

// ParseStatic reads "ID=Name" pairs separated by semicolons, as supplied
// through BENEFICIARY_DIRECTORY.
func ParseStatic(raw string) (*Static, error) {
	names := make(map[id.BeneficiaryID]string)
	for pair := range strings.SplitSeq(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, name, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errInvalidPair(pair)
		}
		bid, err := id.ParseBeneficiaryID(key)
		if err != nil {
			return nil, err
		}
		names[bid] = strings.TrimSpace(name)
	}
	return NewStatic(names), nil
}

func (s *Static) DisplayName(_ context.Context, beneficiaryID id.BeneficiaryID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[beneficiaryID]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	return name, nil
}

// Put adds or replaces a name.
func (s *Static) Put(_ context.Context, beneficiaryID id.BeneficiaryID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[beneficiaryID] = name
	return nil
}
