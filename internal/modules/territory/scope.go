package territory

import (
	"strings"

	"github.com/collectivites/gsl/internal/domain"
)

// Level is the granularity a scope pins.
type Level int

const (
	LevelNone Level = iota
	LevelRegion
	LevelDepartment
	LevelDistrict
)

// Scope pins a region, a region+department, or a region+department+district.
// An empty code means the level is not pinned. ID is the persisted row id and
// is empty for scopes computed on the fly (Ancestors, RegionOnly, ...).
type Scope struct {
	ID             string `json:"id,omitempty"`
	RegionCode     string `json:"region_code"`
	DepartmentCode string `json:"department_code,omitempty"`
	DistrictCode   string `json:"district_code,omitempty"`
}

// Level returns the narrowest pinned level.
func (s Scope) Level() Level {
	switch {
	case s.DistrictCode != "":
		return LevelDistrict
	case s.DepartmentCode != "":
		return LevelDepartment
	case s.RegionCode != "":
		return LevelRegion
	}
	return LevelNone
}

// Key is a stable human-readable identifier ("84/01/011").
func (s Scope) Key() string {
	parts := []string{s.RegionCode}
	if s.DepartmentCode != "" {
		parts = append(parts, s.DepartmentCode)
	}
	if s.DistrictCode != "" {
		parts = append(parts, s.DistrictCode)
	}
	return strings.Join(parts, "/")
}

// SameTuple compares the pinned codes, ignoring IDs.
func (s Scope) SameTuple(o Scope) bool {
	return s.RegionCode == o.RegionCode && s.DepartmentCode == o.DepartmentCode && s.DistrictCode == o.DistrictCode
}

// RegionOnly strips department and district.
func (s Scope) RegionOnly() Scope {
	return Scope{RegionCode: s.RegionCode}
}

// DepartmentOnly strips the district.
func (s Scope) DepartmentOnly() Scope {
	return Scope{RegionCode: s.RegionCode, DepartmentCode: s.DepartmentCode}
}

// Validate rejects structurally broken tuples (district without department,
// department without region) and, when dir is given, tuples whose levels do
// not belong to each other.
func (s Scope) Validate(dir *Directory) error {
	if s.RegionCode == "" {
		return &domain.ValidationError{Field: "region", Message: "a scope must pin a region"}
	}
	if s.DistrictCode != "" && s.DepartmentCode == "" {
		return &domain.ValidationError{Field: "department", Message: "a district scope must pin its department"}
	}
	if dir == nil {
		return nil
	}

	if _, ok := dir.Region(s.RegionCode); !ok {
		return &domain.ValidationError{Field: "region", Message: "unknown region " + s.RegionCode}
	}
	if s.DepartmentCode != "" {
		dep, ok := dir.Department(s.DepartmentCode)
		if !ok {
			return &domain.ValidationError{Field: "department", Message: "unknown department " + s.DepartmentCode}
		}
		if dep.RegionCode != s.RegionCode {
			return &domain.ValidationError{Field: "department", Message: "department " + dep.Code + " is not in region " + s.RegionCode}
		}
	}
	if s.DistrictCode != "" {
		dis, ok := dir.District(s.DistrictCode)
		if !ok {
			return &domain.ValidationError{Field: "district", Message: "unknown district " + s.DistrictCode}
		}
		if dis.DepartmentCode != s.DepartmentCode {
			return &domain.ValidationError{Field: "district", Message: "district " + dis.Code + " is not in department " + s.DepartmentCode}
		}
	}
	return nil
}

// Ancestors returns the broader scopes from region-only down to the direct
// parent, excluding s itself.
func (s Scope) Ancestors() []Scope {
	var out []Scope
	if s.Level() > LevelRegion {
		out = append(out, s.RegionOnly())
	}
	if s.Level() > LevelDepartment {
		out = append(out, s.DepartmentOnly())
	}
	return out
}

// IsAncestorOrSelf reports whether s covers o: every level s pins is pinned
// to the same code in o. An envelope at scope s covers a project at scope o.
func (s Scope) IsAncestorOrSelf(o Scope) bool {
	if s.Level() == LevelNone || s.Level() > o.Level() {
		return false
	}
	if s.RegionCode != o.RegionCode {
		return false
	}
	if s.DepartmentCode != "" && s.DepartmentCode != o.DepartmentCode {
		return false
	}
	if s.DistrictCode != "" && s.DistrictCode != o.DistrictCode {
		return false
	}
	return true
}

// Children returns the scopes strictly narrower than s, at most maxDepth
// levels below it, breadth first.
func (d *Directory) Children(s Scope, maxDepth int) []Scope {
	var out []Scope
	frontier := []Scope{s}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []Scope
		for _, parent := range frontier {
			next = append(next, d.directChildren(parent)...)
		}
		out = append(out, next...)
		frontier = next
	}
	return out
}

func (d *Directory) directChildren(s Scope) []Scope {
	var out []Scope
	switch s.Level() {
	case LevelRegion:
		for _, code := range d.DepartmentsOf(s.RegionCode) {
			out = append(out, Scope{RegionCode: s.RegionCode, DepartmentCode: code})
		}
	case LevelDepartment:
		for _, code := range d.DistrictsOf(s.DepartmentCode) {
			out = append(out, Scope{RegionCode: s.RegionCode, DepartmentCode: s.DepartmentCode, DistrictCode: code})
		}
	}
	return out
}

// ScopesFor lists every scope the directory can express, broadest first.
func (d *Directory) ScopesFor(regionCode string) []Scope {
	root := Scope{RegionCode: regionCode}
	return append([]Scope{root}, d.Children(root, 2)...)
}
