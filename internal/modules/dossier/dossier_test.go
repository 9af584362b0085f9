package dossier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
	testingpkg "github.com/collectivites/gsl/internal/testing"
)

func at(day int) *time.Time {
	t := time.Date(2025, time.January, day, 9, 0, 0, 0, time.UTC)
	return &t
}

func TestDossier_IsReopeningOf(t *testing.T) {
	decided := &Dossier{Status: domain.CaseGranted, EnteredInstructionAt: at(5)}

	tests := []struct {
		name     string
		current  *Dossier
		previous *Dossier
		want     bool
	}{
		{"later entry", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(20)}, decided, true},
		{"same entry", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(5)}, decided, false},
		{"earlier entry", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(1)}, decided, false},
		{"no previous snapshot", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(20)}, nil, false},
		{"still granted", &Dossier{Status: domain.CaseGranted, EnteredInstructionAt: at(20)}, decided, false},
		{"no entry timestamp", &Dossier{Status: domain.CaseUnderReview}, decided, false},
		{"previous decided without entry", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(20)},
			&Dossier{Status: domain.CaseDenied}, true},
		{"previous filed without entry", &Dossier{Status: domain.CaseUnderReview, EnteredInstructionAt: at(20)},
			&Dossier{Status: domain.CaseFiled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.current.IsReopeningOf(tt.previous))
		})
	}
}

func TestRepository_UpsertRoundTrip(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()
	scopes := testingpkg.SeedTerritory(t, db.Conn())
	projectID := testingpkg.InsertProject(t, db.Conn(), 3001, scopes["84/01"], "")

	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	d := &Dossier{
		Number:               3001,
		ProjectID:            projectID,
		Status:               domain.CaseGranted,
		FiledAt:              at(1),
		EnteredInstructionAt: at(3),
		DecidedAt:            at(15),
		RequestedInstruments: []domain.Instrument{domain.DSIL, domain.DETR},
		Annotations: Annotations{
			AcceptedInstruments: []domain.Instrument{domain.DETR},
		},
		SyncedAt: *at(16),
	}
	d.Annotations.Set(domain.DETR, InstrumentAnnotation{
		Assiette: decimal.NewNullDecimal(decimal.RequireFromString("10000.50")),
		Awarded:  decimal.NewNullDecimal(decimal.RequireFromString("5000.25")),
	})
	d.Annotations.Set(domain.DSIL, InstrumentAnnotation{
		Assiette: decimal.NewNullDecimal(decimal.RequireFromString("20000")),
	})
	require.NoError(t, repo.Upsert(ctx, d))

	got, err := repo.GetByProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseGranted, got.Status)
	assert.Equal(t, *at(3), *got.EnteredInstructionAt)
	assert.Equal(t, []domain.Instrument{domain.DETR, domain.DSIL}, got.RequestedInstruments)
	assert.True(t, got.Requests(domain.DSIL))
	assert.Equal(t, []domain.Instrument{domain.DETR}, got.Annotations.AcceptedInstruments)

	detr, ok := got.Annotations.For(domain.DETR)
	require.True(t, ok)
	assert.Equal(t, "10000.5", detr.Assiette.Decimal.String())
	assert.Equal(t, "5000.25", detr.Awarded.Decimal.String())

	dsil, ok := got.Annotations.For(domain.DSIL)
	require.True(t, ok)
	assert.False(t, dsil.Awarded.Valid)

	// Second sync replaces the snapshot
	d.Status = domain.CaseUnderReview
	d.EnteredInstructionAt = at(20)
	d.Annotations = Annotations{}
	require.NoError(t, repo.Upsert(ctx, d))

	got, err = repo.Get(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, domain.CaseUnderReview, got.Status)
	assert.Empty(t, got.Annotations.AcceptedInstruments)
	_, ok = got.Annotations.For(domain.DETR)
	assert.False(t, ok)
}

func TestRepository_GetNotFound(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	_, err := NewRepository(db.Conn(), zerolog.Nop()).Get(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
