package territory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectivites/gsl/internal/domain"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := NewDirectory(
		[]Region{{Code: "84", Name: "Auvergne-Rhône-Alpes"}, {Code: "11", Name: "Île-de-France"}},
		[]Department{
			{Code: "69", Name: "Rhône", RegionCode: "84"},
			{Code: "01", Name: "Ain", RegionCode: "84"},
			{Code: "75", Name: "Paris", RegionCode: "11"},
		},
		[]District{
			{Code: "011", Name: "Belley", DepartmentCode: "01"},
			{Code: "012", Name: "Bourg-en-Bresse", DepartmentCode: "01"},
			{Code: "691", Name: "Lyon", DepartmentCode: "69"},
		},
	)
	require.NoError(t, err)
	return dir
}

func TestNewDirectory_RejectsDanglingParent(t *testing.T) {
	_, err := NewDirectory(nil, []Department{{Code: "01", RegionCode: "84"}}, nil)
	assert.Error(t, err)

	_, err = NewDirectory([]Region{{Code: "84"}}, nil, []District{{Code: "011", DepartmentCode: "01"}})
	assert.Error(t, err)
}

func TestScope_LevelAndKey(t *testing.T) {
	tests := []struct {
		scope Scope
		level Level
		key   string
	}{
		{Scope{}, LevelNone, ""},
		{Scope{RegionCode: "84"}, LevelRegion, "84"},
		{Scope{RegionCode: "84", DepartmentCode: "01"}, LevelDepartment, "84/01"},
		{Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}, LevelDistrict, "84/01/011"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.level, tt.scope.Level())
			assert.Equal(t, tt.key, tt.scope.Key())
		})
	}
}

func TestScope_Validate(t *testing.T) {
	dir := testDirectory(t)

	tests := []struct {
		name  string
		scope Scope
		field string
	}{
		{"region only", Scope{RegionCode: "84"}, ""},
		{"department", Scope{RegionCode: "84", DepartmentCode: "01"}, ""},
		{"district", Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}, ""},
		{"no region", Scope{DepartmentCode: "01"}, "region"},
		{"district without department", Scope{RegionCode: "84", DistrictCode: "011"}, "department"},
		{"unknown region", Scope{RegionCode: "99"}, "region"},
		{"department of another region", Scope{RegionCode: "11", DepartmentCode: "01"}, "department"},
		{"district of another department", Scope{RegionCode: "84", DepartmentCode: "69", DistrictCode: "011"}, "district"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate(dir)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestScope_ValidateWithoutDirectoryOnlyChecksShape(t *testing.T) {
	assert.NoError(t, Scope{RegionCode: "99", DepartmentCode: "xx"}.Validate(nil))
	assert.Error(t, Scope{RegionCode: "84", DistrictCode: "011"}.Validate(nil))
}

func TestScope_Ancestors(t *testing.T) {
	district := Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}
	assert.Equal(t, []Scope{
		{RegionCode: "84"},
		{RegionCode: "84", DepartmentCode: "01"},
	}, district.Ancestors())

	assert.Equal(t, []Scope{{RegionCode: "84"}}, district.DepartmentOnly().Ancestors())
	assert.Empty(t, district.RegionOnly().Ancestors())
}

func TestScope_IsAncestorOrSelf(t *testing.T) {
	region := Scope{RegionCode: "84"}
	ain := Scope{RegionCode: "84", DepartmentCode: "01"}
	belley := Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}
	rhone := Scope{RegionCode: "84", DepartmentCode: "69"}
	paris := Scope{RegionCode: "11", DepartmentCode: "75"}

	assert.True(t, region.IsAncestorOrSelf(region))
	assert.True(t, region.IsAncestorOrSelf(ain))
	assert.True(t, region.IsAncestorOrSelf(belley))
	assert.True(t, ain.IsAncestorOrSelf(belley))
	assert.True(t, belley.IsAncestorOrSelf(belley))

	assert.False(t, belley.IsAncestorOrSelf(ain))
	assert.False(t, ain.IsAncestorOrSelf(region))
	assert.False(t, rhone.IsAncestorOrSelf(belley))
	assert.False(t, region.IsAncestorOrSelf(paris))
	assert.False(t, Scope{}.IsAncestorOrSelf(ain))
}

func TestAncestorsAreAncestorOrSelf(t *testing.T) {
	dir := testDirectory(t)
	for _, s := range dir.ScopesFor("84") {
		for _, a := range s.Ancestors() {
			assert.True(t, a.IsAncestorOrSelf(s), "%s should cover %s", a.Key(), s.Key())
			assert.False(t, s.IsAncestorOrSelf(a), "%s should not cover %s", s.Key(), a.Key())
		}
	}
}

func TestDirectory_Children(t *testing.T) {
	dir := testDirectory(t)
	region := Scope{RegionCode: "84"}

	direct := dir.Children(region, 1)
	assert.Equal(t, []Scope{
		{RegionCode: "84", DepartmentCode: "01"},
		{RegionCode: "84", DepartmentCode: "69"},
	}, direct)

	all := dir.Children(region, 2)
	require.Len(t, all, 5)
	assert.Equal(t, Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}, all[2])

	assert.Empty(t, dir.Children(Scope{RegionCode: "84", DepartmentCode: "01", DistrictCode: "011"}, 3))
	assert.Empty(t, dir.Children(region, 0))
}

func TestDirectory_ScopesFor(t *testing.T) {
	dir := testDirectory(t)
	scopes := dir.ScopesFor("11")
	assert.Equal(t, []Scope{
		{RegionCode: "11"},
		{RegionCode: "11", DepartmentCode: "75"},
	}, scopes)
}
