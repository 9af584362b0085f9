package territory

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
	testingpkg "github.com/collectivites/gsl/internal/testing"
)

const seedYAML = `
regions:
  - code: "84"
    name: Auvergne-Rhône-Alpes
    departments:
      - code: "01"
        name: Ain
        districts:
          - {code: "011", name: Belley}
          - {code: "012", name: Bourg-en-Bresse}
      - code: "69"
        name: Rhône
`

func TestRepository_ApplySeed(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	n, err := repo.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 5, n) // region, 2 departments, 2 districts

	// Applying twice does not duplicate scopes
	n, err = repo.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, testingpkg.CountRows(t, db.Conn(), "scopes", ""))

	dir, err := repo.LoadDirectory(ctx)
	require.NoError(t, err)
	dep, ok := dir.Department("01")
	require.True(t, ok)
	assert.Equal(t, "84", dep.RegionCode)
	assert.Equal(t, []string{"011", "012"}, dir.DistrictsOf("01"))
}

func TestRepository_EnsureScopeIsIdempotent(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()
	testingpkg.SeedTerritory(t, db.Conn())

	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	dir, err := repo.LoadDirectory(ctx)
	require.NoError(t, err)

	want := Scope{RegionCode: "84", DepartmentCode: "01"}
	first, err := repo.EnsureScope(ctx, want, dir)
	require.NoError(t, err)
	second, err := repo.EnsureScope(ctx, want, dir)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.SameTuple(want))

	got, err := repo.GetScope(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestRepository_EnsureScopeRejectsInconsistentTuple(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()
	testingpkg.SeedTerritory(t, db.Conn())

	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	dir, err := repo.LoadDirectory(ctx)
	require.NoError(t, err)

	_, err = repo.EnsureScope(ctx, Scope{RegionCode: "84", DepartmentCode: "69", DistrictCode: "011"}, dir)
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRepository_FindScopeNotFound(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	repo := NewRepository(db.Conn(), zerolog.Nop())
	_, err := repo.FindScope(context.Background(), Scope{RegionCode: "84"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadSeed_RejectsMissingCode(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("regions:\n  - name: nowhere\n"))
	assert.Error(t, err)
}
