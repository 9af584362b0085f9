// Package project holds funding requests, their aggregate status and the
// notification gate that decides when the applicant is told of a decision.
package project

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
)

// Project is one funding request. Status caches the aggregate of its tracks.
type Project struct {
	ID            string              `json:"id"`
	DossierNumber int64               `json:"dossier_number"`
	Name          string              `json:"name"`
	Scope         territory.Scope     `json:"scope"`
	BaseCost      decimal.NullDecimal `json:"base_cost"`
	Status        domain.TrackStatus  `json:"status"`
	NotifiedAt    *time.Time          `json:"notified_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// precedence ranks statuses for aggregation, highest first.
var precedence = []domain.TrackStatus{
	domain.TrackProcessing,
	domain.TrackAccepted,
	domain.TrackDismissed,
	domain.TrackRefused,
}

// AggregateStatus combines track statuses: the highest-precedence status
// present wins (Processing > Accepted > Dismissed > Refused). A project
// without tracks is Processing.
func AggregateStatus(statuses []domain.TrackStatus) domain.TrackStatus {
	if len(statuses) == 0 {
		return domain.TrackProcessing
	}
	present := make(map[domain.TrackStatus]bool, len(statuses))
	for _, s := range statuses {
		present[s] = true
	}
	for _, s := range precedence {
		if present[s] {
			return s
		}
	}
	return domain.TrackProcessing
}

// Gate is the outcome of applying a new aggregate to a project.
type Gate int

const (
	// GateUnchanged: nothing to tell the applicant.
	GateUnchanged Gate = iota
	// GateSettled: every track is decided and the applicant must be notified.
	GateSettled
	// GateReopened: the project went back to Processing and its notification was cleared.
	GateReopened
)

func (g Gate) String() string {
	switch g {
	case GateSettled:
		return "settled"
	case GateReopened:
		return "reopened"
	default:
		return "unchanged"
	}
}

// ApplyAggregate stores the new aggregate status and updates NotifiedAt. A
// project is notified once per settling: when it first reaches a terminal
// aggregate, or when the terminal aggregate changes. Returning to Processing
// clears the notification.
func (p *Project) ApplyAggregate(status domain.TrackStatus, now time.Time) Gate {
	previous := p.Status
	p.Status = status

	if status == domain.TrackProcessing {
		if p.NotifiedAt != nil {
			p.NotifiedAt = nil
			return GateReopened
		}
		return GateUnchanged
	}

	if p.NotifiedAt == nil || previous != status {
		at := now.UTC()
		p.NotifiedAt = &at
		return GateSettled
	}
	return GateUnchanged
}
