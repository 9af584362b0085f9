// Package envelope manages the yearly budget pools each instrument holds per
// territorial scope, and their delegation chains.
package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// Envelope is a yearly budget pool for one instrument at one scope.
// DelegatedBy points at the broader envelope that handed its budget down.
type Envelope struct {
	ID          string            `json:"id"`
	Instrument  domain.Instrument `json:"instrument"`
	Year        int               `json:"year"`
	Scope       territory.Scope   `json:"scope"`
	Amount      decimal.Decimal   `json:"amount"`
	DelegatedBy *string           `json:"delegated_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// IsRoot reports whether the envelope is not delegated from another one.
func (e *Envelope) IsRoot() bool {
	return e.DelegatedBy == nil
}

// Covers reports whether projects at scope s may be charged to this envelope.
func (e *Envelope) Covers(s territory.Scope) bool {
	return e.Scope.IsAncestorOrSelf(s)
}

// Getter loads envelopes by id.
type Getter interface {
	Get(ctx context.Context, id string) (*Envelope, error)
}

// maxDelegationDepth bounds chain walks. Scopes have three levels so a sane
// chain never exceeds two hops; anything longer is corrupt data.
const maxDelegationDepth = 8

// DelegationRoot follows DelegatedBy up to the topmost non-delegated envelope.
// A root envelope is its own delegation root.
func DelegationRoot(ctx context.Context, g Getter, e *Envelope) (*Envelope, error) {
	current := e
	for depth := 0; !current.IsRoot(); depth++ {
		if depth >= maxDelegationDepth {
			return nil, fmt.Errorf("delegation chain of envelope %s exceeds %d levels", e.ID, maxDelegationDepth)
		}
		parent, err := g.Get(ctx, *current.DelegatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent of envelope %s: %w", current.ID, err)
		}
		current = parent
	}
	return current, nil
}

// validateDelegation checks that child may be delegated from parent: same
// instrument and year, and a strictly narrower scope.
func validateDelegation(parent, child *Envelope) error {
	if parent.Instrument != child.Instrument {
		return &domain.ValidationError{Field: "delegated_by", Message: "parent envelope has a different instrument"}
	}
	if parent.Year != child.Year {
		return &domain.ValidationError{Field: "delegated_by", Message: "parent envelope has a different year"}
	}
	if !parent.Scope.IsAncestorOrSelf(child.Scope) || parent.Scope.SameTuple(child.Scope) {
		return &domain.ValidationError{Field: "scope", Message: "a delegated envelope must be strictly narrower than its parent"}
	}
	return nil
}
