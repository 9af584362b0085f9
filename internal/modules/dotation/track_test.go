package dotation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func TestCanTransition(t *testing.T) {
	p, a, r, d := domain.TrackProcessing, domain.TrackAccepted, domain.TrackRefused, domain.TrackDismissed

	allowed := map[[2]domain.TrackStatus]bool{
		{p, p}: true, {p, a}: true, {p, r}: true, {p, d}: true,
		{a, p}: true, {r, p}: true, {d, p}: true,
		{a, a}: true, {r, r}: true, {d, d}: true,
	}
	all := []domain.TrackStatus{p, a, r, d}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]domain.TrackStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition("unknown", p))
	assert.False(t, CanTransition(p, "unknown"))
}

func TestTrack_TransitionRejectsTerminalToTerminal(t *testing.T) {
	track := NewTrack("p", domain.DETR)
	require.NoError(t, track.Transition(domain.TrackAccepted))

	err := track.Transition(domain.TrackRefused)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TrackAccepted, track.Status)
}

func TestTrack_SettleOverridesTerminalStatus(t *testing.T) {
	track := NewTrack("p", domain.DETR)
	require.NoError(t, track.Accept(dec("5000"), nullDec("10000")))

	require.NoError(t, track.Settle(domain.TrackRefused))
	assert.Equal(t, domain.TrackRefused, track.Status)
	assert.False(t, track.AwardedAmount.Valid)
	assert.False(t, track.AwardedRate.Valid)
	assert.Nil(t, track.CommitteeOpinion)

	assert.ErrorIs(t, track.Settle(domain.TrackProcessing), domain.ErrInvalidTransition)
}

func TestTrack_Accept(t *testing.T) {
	detr := NewTrack("p", domain.DETR)
	detr.Assiette = nullDec("10000")
	require.NoError(t, detr.Accept(dec("5000"), detr.Base(decimal.NullDecimal{})))

	assert.Equal(t, domain.TrackAccepted, detr.Status)
	assert.True(t, detr.AwardedRate.Decimal.Equal(dec("50")))
	require.NotNil(t, detr.CommitteeOpinion)
	assert.True(t, *detr.CommitteeOpinion)
	assert.NoError(t, detr.Validate())

	dsil := NewTrack("p", domain.DSIL)
	dsil.Assiette = nullDec("20000")
	require.NoError(t, dsil.Accept(dec("15000"), dsil.Base(decimal.NullDecimal{})))
	assert.True(t, dsil.AwardedRate.Decimal.Equal(dec("75")))
	assert.Nil(t, dsil.CommitteeOpinion)
	assert.NoError(t, dsil.Validate())
}

func TestTrack_TransitionToProcessingClearsDecision(t *testing.T) {
	track := NewTrack("p", domain.DETR)
	require.NoError(t, track.Accept(dec("5000"), nullDec("10000")))

	require.NoError(t, track.Transition(domain.TrackProcessing))
	assert.False(t, track.AwardedAmount.Valid)
	assert.Nil(t, track.CommitteeOpinion)
}

func TestTrack_Base(t *testing.T) {
	track := NewTrack("p", domain.DSIL)
	assert.True(t, track.Base(nullDec("300")).Decimal.Equal(dec("300")))

	track.Assiette = nullDec("200")
	assert.True(t, track.Base(nullDec("300")).Decimal.Equal(dec("200")))

	track.Assiette = decimal.NullDecimal{}
	assert.False(t, track.Base(decimal.NullDecimal{}).Valid)
}

func TestComputeRate(t *testing.T) {
	tests := []struct {
		awarded string
		base    decimal.NullDecimal
		want    string
	}{
		{"5000", nullDec("10000"), "50"},
		{"15000", nullDec("20000"), "75"},
		{"1", nullDec("3"), "33.333"},
		{"2", nullDec("3"), "66.667"},
		{"100", nullDec("0"), "0"},
		{"100", decimal.NullDecimal{}, "0"},
	}
	for _, tt := range tests {
		got := ComputeRate(dec(tt.awarded), tt.base)
		assert.True(t, got.Equal(dec(tt.want)), "%s / %v = %s, want %s", tt.awarded, tt.base, got, tt.want)
	}
}

func TestTrack_ValidateCommitteeOpinion(t *testing.T) {
	opinion := false
	track := NewTrack("p", domain.DSIL)
	track.CommitteeOpinion = &opinion

	err := track.Validate()
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "committee_opinion", verr.Field)

	track.Instrument = domain.DETR
	assert.NoError(t, track.Validate())
}

func TestTrack_ValidateFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Track)
		field  string
	}{
		{"no project", func(tr *Track) { tr.ProjectID = "" }, "project_id"},
		{"bad instrument", func(tr *Track) { tr.Instrument = "FNADT" }, "instrument"},
		{"bad status", func(tr *Track) { tr.Status = "pending" }, "status"},
		{"negative assiette", func(tr *Track) { tr.Assiette = nullDec("-1") }, "assiette"},
		{"negative award", func(tr *Track) { tr.AwardedAmount = nullDec("-1") }, "awarded_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := NewTrack("p", domain.DETR)
			tt.mutate(track)
			var verr *domain.ValidationError
			require.True(t, errors.As(track.Validate(), &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
