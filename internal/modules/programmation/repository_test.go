package programmation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
	testingpkg "github.com/collectivites/gsl/internal/testing"
)

type fixture struct {
	db         *sql.DB
	projectID  string
	trackID    string
	envelopeID string
}

func newFixture(t *testing.T) (*fixture, func()) {
	db, cleanup := testingpkg.NewTestDB(t)
	scopes := testingpkg.SeedTerritory(t, db.Conn())
	f := &fixture{db: db.Conn()}
	f.projectID = testingpkg.InsertProject(t, f.db, 2001, scopes["84/01"], "")
	f.envelopeID = testingpkg.InsertEnvelope(t, f.db, "DETR", 2025, scopes["84/01"], "1000000", "")
	f.trackID = uuid.NewString()
	now := time.Now().UnixNano()
	_, err := f.db.Exec(`INSERT INTO tracks (id, project_id, instrument, status, created_at, updated_at)
		VALUES (?, ?, 'DETR', 'accepted', ?, ?)`, f.trackID, f.projectID, now, now)
	require.NoError(t, err)
	return f, cleanup
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRepository_UpsertKeepsCreationTimeForSameDecision(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	clock := &fakeClock{t: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	repo := NewRepository(f.db, zerolog.Nop()).WithClock(clock.now)
	ctx := context.Background()

	c := &Commitment{TrackID: f.trackID, EnvelopeID: f.envelopeID, Amount: decimal.NewFromInt(5000),
		Rate: decimal.NewFromInt(50), Status: domain.TrackAccepted}
	require.NoError(t, repo.Upsert(ctx, c))
	firstID := c.ID

	clock.t = clock.t.Add(time.Hour)
	update := &Commitment{TrackID: f.trackID, EnvelopeID: f.envelopeID, Amount: decimal.NewFromInt(6000),
		Rate: decimal.NewFromInt(60), Status: domain.TrackAccepted}
	require.NoError(t, repo.Upsert(ctx, update))

	got, err := repo.GetByTrack(ctx, f.trackID)
	require.NoError(t, err)
	assert.Equal(t, firstID, got.ID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(6000)))
	assert.Equal(t, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), got.CreatedAt)
	assert.Equal(t, clock.t, got.UpdatedAt)

	// A different decision restamps the creation time
	clock.t = clock.t.Add(time.Hour)
	require.NoError(t, repo.Upsert(ctx, &Commitment{TrackID: f.trackID, EnvelopeID: f.envelopeID,
		Status: domain.TrackRefused}))
	got, err = repo.GetByTrack(ctx, f.trackID)
	require.NoError(t, err)
	assert.Equal(t, domain.TrackRefused, got.Status)
	assert.Equal(t, clock.t, got.CreatedAt)
}

func TestRepository_DeleteAndNotify(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	repo := NewRepository(f.db, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &Commitment{TrackID: f.trackID, EnvelopeID: f.envelopeID,
		Amount: decimal.NewFromInt(100), Status: domain.TrackAccepted}))

	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkProjectNotified(ctx, f.projectID, at))

	list, err := repo.ListByProject(ctx, f.projectID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].NotifiedAt)
	assert.Equal(t, at, *list[0].NotifiedAt)

	deleted, err := repo.DeleteByTrack(ctx, f.trackID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteByTrack(ctx, f.trackID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.GetByTrack(ctx, f.trackID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommitment_Validate(t *testing.T) {
	base := Commitment{TrackID: "t", EnvelopeID: "e", Status: domain.TrackAccepted, Amount: decimal.NewFromInt(1)}
	assert.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Commitment)
		field  string
	}{
		{"processing", func(c *Commitment) { c.Status = domain.TrackProcessing }, "status"},
		{"no envelope", func(c *Commitment) { c.EnvelopeID = "" }, "envelope_id"},
		{"no track", func(c *Commitment) { c.TrackID = "" }, "track_id"},
		{"negative", func(c *Commitment) { c.Amount = decimal.NewFromInt(-1) }, "amount"},
		{"refused with amount", func(c *Commitment) { c.Status = domain.TrackRefused }, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			var verr *domain.ValidationError
			require.True(t, errors.As(c.Validate(), &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCommitment_SupersedesReopening(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Commitment{CreatedAt: t1}

	assert.False(t, c.SupersedesReopening(t1.Add(time.Nanosecond)), "reopened after the decision")
	assert.True(t, c.SupersedesReopening(t1.Add(-time.Nanosecond)), "decided after the reopening")
	assert.False(t, c.SupersedesReopening(t1), "same instant does not supersede")
}

func TestCommitment_SameDecision(t *testing.T) {
	base := func() *Commitment {
		return &Commitment{TrackID: "t", EnvelopeID: "e", Amount: decimal.RequireFromString("5000.00"),
			Rate: decimal.NewFromInt(50), Status: domain.TrackAccepted}
	}

	notified := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	same := base()
	same.Amount = decimal.NewFromInt(5000)
	same.NotifiedAt = &notified
	same.CreatedAt = notified
	assert.True(t, base().SameDecision(same))

	assert.False(t, base().SameDecision(nil))
	for name, mutate := range map[string]func(c *Commitment){
		"envelope": func(c *Commitment) { c.EnvelopeID = "other" },
		"amount":   func(c *Commitment) { c.Amount = decimal.NewFromInt(6000) },
		"rate":     func(c *Commitment) { c.Rate = decimal.NewFromInt(60) },
		"status":   func(c *Commitment) { c.Status = domain.TrackRefused },
	} {
		other := base()
		mutate(other)
		assert.False(t, base().SameDecision(other), name)
	}
}
