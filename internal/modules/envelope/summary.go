package envelope

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/collectivites/gsl/internal/domain"
)

// Summary reports how much of an envelope's budget is committed, counting
// commitments charged to the envelope and to every envelope delegated from it.
type Summary struct {
	EnvelopeID string          `json:"envelope_id"`
	Amount     decimal.Decimal `json:"amount"`
	Committed  decimal.Decimal `json:"committed"`
	Remaining  decimal.Decimal `json:"remaining"`
	Accepted   int             `json:"accepted"`
	Refused    int             `json:"refused"`
	Dismissed  int             `json:"dismissed"`

	// Awarded-rate statistics over accepted commitments, in percent
	MeanRate   float64 `json:"mean_rate"`
	MedianRate float64 `json:"median_rate"`
	StdDevRate float64 `json:"stddev_rate"`
}

// Summarize computes the envelope's summary.
func (r *Repository) Summarize(ctx context.Context, id string) (*Summary, error) {
	env, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM envelopes WHERE id = ?
			UNION ALL
			SELECT e.id FROM envelopes e JOIN tree t ON e.delegated_by = t.id
		)
		SELECT c.amount, c.rate, c.status FROM commitments c
		WHERE c.envelope_id IN (SELECT id FROM tree)
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelope commitments: %w", err)
	}
	defer rows.Close()

	summary := &Summary{EnvelopeID: env.ID, Amount: env.Amount, Committed: decimal.Zero}
	var rates []float64
	for rows.Next() {
		var (
			amount, rate decimal.Decimal
			status       domain.TrackStatus
		)
		if err := rows.Scan(&amount, &rate, &status); err != nil {
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		switch status {
		case domain.TrackAccepted:
			summary.Accepted++
			summary.Committed = summary.Committed.Add(amount)
			rates = append(rates, rate.InexactFloat64())
		case domain.TrackRefused:
			summary.Refused++
		case domain.TrackDismissed:
			summary.Dismissed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commitments: %w", err)
	}

	summary.Remaining = summary.Amount.Sub(summary.Committed)
	if len(rates) > 0 {
		sort.Float64s(rates)
		summary.MeanRate = stat.Mean(rates, nil)
		summary.MedianRate = stat.Quantile(0.5, stat.Empirical, rates, nil)
		if len(rates) > 1 {
			summary.StdDevRate = stat.StdDev(rates, nil)
		}
	}
	return summary, nil
}
