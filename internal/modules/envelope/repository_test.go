package envelope

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/territory"
	testingpkg "github.com/collectivites/gsl/internal/testing"
)

type envelopeFixture struct {
	db     *sql.DB
	repo   *Repository
	scopes map[string]string
	ctx    context.Context
}

func newEnvelopeFixture(t *testing.T) (*envelopeFixture, func()) {
	db, cleanup := testingpkg.NewTestDB(t)
	scopes := testingpkg.SeedTerritory(t, db.Conn())
	return &envelopeFixture{
		db:     db.Conn(),
		repo:   NewRepository(db.Conn(), zerolog.Nop()),
		scopes: scopes,
		ctx:    context.Background(),
	}, cleanup
}

func (f *envelopeFixture) scope(key string, s territory.Scope) territory.Scope {
	s.ID = f.scopes[key]
	return s
}

func (f *envelopeFixture) create(t *testing.T, instrument domain.Instrument, year int, scope territory.Scope, parent *string) *Envelope {
	t.Helper()
	e := &Envelope{
		Instrument:  instrument,
		Year:        year,
		Scope:       scope,
		Amount:      decimal.NewFromInt(1_000_000),
		DelegatedBy: parent,
	}
	require.NoError(t, f.repo.Create(f.ctx, e))
	return e
}

var (
	region = territory.Scope{RegionCode: testingpkg.RegionARA}
	ain    = territory.Scope{RegionCode: testingpkg.RegionARA, DepartmentCode: testingpkg.DepartmentAin}
	belley = territory.Scope{RegionCode: testingpkg.RegionARA, DepartmentCode: testingpkg.DepartmentAin, DistrictCode: testingpkg.DistrictBelley}
	rhone  = territory.Scope{RegionCode: testingpkg.RegionARA, DepartmentCode: testingpkg.DepartmentRhon}
)

func TestRepository_CreateAndGet(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	created := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), nil)

	got, err := f.repo.Get(f.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DETR, got.Instrument)
	assert.Equal(t, 2025, got.Year)
	assert.True(t, got.Scope.SameTuple(ain))
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, got.IsRoot())
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestRepository_CreateRejectsDuplicate(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	f.create(t, domain.DSIL, 2025, f.scope("84", region), nil)

	err := f.repo.Create(f.ctx, &Envelope{Instrument: domain.DSIL, Year: 2025, Scope: f.scope("84", region), Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrDuplicateEnvelope)

	// Another year or instrument on the same scope is fine
	f.create(t, domain.DSIL, 2026, f.scope("84", region), nil)
	f.create(t, domain.DETR, 2025, f.scope("84", region), nil)
}

func TestRepository_CreateValidatesDelegation(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	parent := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), nil)

	tests := []struct {
		name  string
		env   *Envelope
		field string
	}{
		{"other instrument", &Envelope{Instrument: domain.DSIL, Year: 2025, Scope: f.scope("84/01/011", belley), DelegatedBy: &parent.ID}, "delegated_by"},
		{"other year", &Envelope{Instrument: domain.DETR, Year: 2026, Scope: f.scope("84/01/011", belley), DelegatedBy: &parent.ID}, "delegated_by"},
		{"same scope", &Envelope{Instrument: domain.DETR, Year: 2025, Scope: f.scope("84/01", ain), DelegatedBy: &parent.ID}, "scope"},
		{"sibling scope", &Envelope{Instrument: domain.DETR, Year: 2025, Scope: f.scope("84/69", rhone), DelegatedBy: &parent.ID}, "scope"},
		{"broader scope", &Envelope{Instrument: domain.DETR, Year: 2025, Scope: f.scope("84", region), DelegatedBy: &parent.ID}, "scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.repo.Create(f.ctx, tt.env)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	child := f.create(t, domain.DETR, 2025, f.scope("84/01/011", belley), &parent.ID)
	assert.False(t, child.IsRoot())

	delegated, err := f.repo.ListDelegated(f.ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, delegated, 1)
	assert.Equal(t, child.ID, delegated[0].ID)
}

func TestRepository_ResolveRoot(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	detr := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), nil)
	f.create(t, domain.DETR, 2025, f.scope("84/01/011", belley), &detr.ID)
	dsil := f.create(t, domain.DSIL, 2025, f.scope("84", region), nil)
	dsilNext := f.create(t, domain.DSIL, 2026, f.scope("84", region), nil)

	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	nov := time.Date(2025, time.November, 20, 0, 0, 0, 0, time.UTC)

	got, err := f.repo.ResolveRoot(f.ctx, Query{Instrument: domain.DETR, ProjectScope: belley, DecisionDate: jan})
	require.NoError(t, err)
	assert.Equal(t, detr.ID, got.ID, "district projects resolve to the department root, not the delegated envelope")

	got, err = f.repo.ResolveRoot(f.ctx, Query{Instrument: domain.DSIL, ProjectScope: belley, DecisionDate: jan})
	require.NoError(t, err)
	assert.Equal(t, dsil.ID, got.ID)

	got, err = f.repo.ResolveRoot(f.ctx, Query{Instrument: domain.DSIL, ProjectScope: belley, DecisionDate: nov, AllowNextYear: true})
	require.NoError(t, err)
	assert.Equal(t, dsilNext.ID, got.ID)

	got, err = f.repo.ResolveRoot(f.ctx, Query{Instrument: domain.DSIL, ProjectScope: belley, DecisionDate: nov})
	require.NoError(t, err)
	assert.Equal(t, dsil.ID, got.ID)
}

func TestRepository_ResolveRootNotFound(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	_, err := f.repo.ResolveRoot(f.ctx, Query{
		Instrument:   domain.DETR,
		ProjectScope: rhone,
		DecisionDate: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		ProjectID:    "p-1",
		TrackID:      "t-1",
	})
	var notFound *domain.EnvelopeNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, domain.DETR, notFound.Instrument)
	assert.Equal(t, 2025, notFound.Year)
	assert.Equal(t, "84/69", notFound.ScopeKey)
	assert.Equal(t, "p-1", notFound.ProjectID)
	assert.Equal(t, "t-1", notFound.TrackID)
}

func TestRepository_DelegationRoot(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	regional := f.create(t, domain.DETR, 2025, f.scope("84", region), nil)
	dept := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), &regional.ID)
	district := f.create(t, domain.DETR, 2025, f.scope("84/01/011", belley), &dept.ID)

	root, err := f.repo.DelegationRoot(f.ctx, district)
	require.NoError(t, err)
	assert.Equal(t, regional.ID, root.ID)

	again, err := f.repo.DelegationRoot(f.ctx, root)
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)
}

func TestRepository_DeleteRefusesReferencedEnvelope(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	parent := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), nil)
	child := f.create(t, domain.DETR, 2025, f.scope("84/01/011", belley), &parent.ID)

	// Delegated child
	err := f.repo.Delete(f.ctx, parent.ID)
	assert.ErrorIs(t, err, domain.ErrEnvelopeInUse)

	// Simulation on the child
	testingpkg.InsertSimulation(t, f.db, "Programmation 2025", child.ID)
	err = f.repo.Delete(f.ctx, child.ID)
	assert.ErrorIs(t, err, domain.ErrEnvelopeInUse)

	_, err = f.db.Exec("DELETE FROM simulations")
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(f.ctx, child.ID))
	require.NoError(t, f.repo.Delete(f.ctx, parent.ID))

	err = f.repo.Delete(f.ctx, parent.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_Summarize(t *testing.T) {
	f, cleanup := newEnvelopeFixture(t)
	defer cleanup()

	parent := f.create(t, domain.DETR, 2025, f.scope("84/01", ain), nil)
	child := f.create(t, domain.DETR, 2025, f.scope("84/01/011", belley), &parent.ID)

	now := time.Now().UnixNano()
	insert := func(dossier int64, envelopeID, amount, rate, status string) {
		projectID := testingpkg.InsertProject(t, f.db, dossier, f.scopes["84/01/011"], "")
		trackID := projectID + "-detr"
		_, err := f.db.Exec(`INSERT INTO tracks (id, project_id, instrument, status, created_at, updated_at)
			VALUES (?, ?, 'DETR', ?, ?, ?)`, trackID, projectID, status, now, now)
		require.NoError(t, err)
		_, err = f.db.Exec(`INSERT INTO commitments (id, track_id, envelope_id, amount, rate, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, trackID+"-c", trackID, envelopeID, amount, rate, status, now, now)
		require.NoError(t, err)
	}
	insert(1, parent.ID, "100000", "40", "accepted")
	insert(2, child.ID, "50000", "60", "accepted")
	insert(3, child.ID, "0", "0", "refused")
	insert(4, parent.ID, "0", "0", "dismissed")

	summary, err := f.repo.Summarize(f.ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, summary.Committed.Equal(decimal.NewFromInt(150000)), summary.Committed.String())
	assert.True(t, summary.Remaining.Equal(decimal.NewFromInt(850000)), summary.Remaining.String())
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 1, summary.Refused)
	assert.Equal(t, 1, summary.Dismissed)
	assert.InDelta(t, 50.0, summary.MeanRate, 1e-9)
	assert.InDelta(t, 40.0, summary.MedianRate, 1e-9)
	assert.InDelta(t, 14.142, summary.StdDevRate, 1e-3)

	childSummary, err := f.repo.Summarize(f.ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, childSummary.Accepted)
	assert.True(t, childSummary.Committed.Equal(decimal.NewFromInt(50000)))
}
