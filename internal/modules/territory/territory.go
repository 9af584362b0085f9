// Package territory models the Region ⊃ Department ⊃ District hierarchy and
// the scopes (perimeters) envelopes and projects are attached to.
package territory

import (
	"fmt"
	"sort"
)

// Region is the broadest territorial level.
type Region struct {
	Code string `json:"code" yaml:"code"`
	Name string `json:"name" yaml:"name"`
}

// Department belongs to exactly one region.
type Department struct {
	Code       string `json:"code" yaml:"code"`
	Name       string `json:"name" yaml:"name"`
	RegionCode string `json:"region_code" yaml:"-"`
}

// District (arrondissement) belongs to exactly one department.
type District struct {
	Code           string `json:"code" yaml:"code"`
	Name           string `json:"name" yaml:"name"`
	DepartmentCode string `json:"department_code" yaml:"-"`
}

// Directory is an immutable in-memory view of the territory tree.
type Directory struct {
	regions     map[string]Region
	departments map[string]Department
	districts   map[string]District

	departmentsByRegion map[string][]string
	districtsByDept     map[string][]string
}

// NewDirectory builds a directory and checks every parent reference.
func NewDirectory(regions []Region, departments []Department, districts []District) (*Directory, error) {
	d := &Directory{
		regions:             make(map[string]Region, len(regions)),
		departments:         make(map[string]Department, len(departments)),
		districts:           make(map[string]District, len(districts)),
		departmentsByRegion: make(map[string][]string),
		districtsByDept:     make(map[string][]string),
	}

	for _, r := range regions {
		d.regions[r.Code] = r
	}
	for _, dep := range departments {
		if _, ok := d.regions[dep.RegionCode]; !ok {
			return nil, fmt.Errorf("department %s references unknown region %s", dep.Code, dep.RegionCode)
		}
		d.departments[dep.Code] = dep
		d.departmentsByRegion[dep.RegionCode] = append(d.departmentsByRegion[dep.RegionCode], dep.Code)
	}
	for _, dis := range districts {
		if _, ok := d.departments[dis.DepartmentCode]; !ok {
			return nil, fmt.Errorf("district %s references unknown department %s", dis.Code, dis.DepartmentCode)
		}
		d.districts[dis.Code] = dis
		d.districtsByDept[dis.DepartmentCode] = append(d.districtsByDept[dis.DepartmentCode], dis.Code)
	}

	for _, codes := range d.departmentsByRegion {
		sort.Strings(codes)
	}
	for _, codes := range d.districtsByDept {
		sort.Strings(codes)
	}

	return d, nil
}

// Region returns a region by code.
func (d *Directory) Region(code string) (Region, bool) {
	r, ok := d.regions[code]
	return r, ok
}

// Department returns a department by code.
func (d *Directory) Department(code string) (Department, bool) {
	dep, ok := d.departments[code]
	return dep, ok
}

// District returns a district by code.
func (d *Directory) District(code string) (District, bool) {
	dis, ok := d.districts[code]
	return dis, ok
}

// DepartmentsOf returns the department codes of a region, sorted.
func (d *Directory) DepartmentsOf(regionCode string) []string {
	return append([]string(nil), d.departmentsByRegion[regionCode]...)
}

// DistrictsOf returns the district codes of a department, sorted.
func (d *Directory) DistrictsOf(departmentCode string) []string {
	return append([]string(nil), d.districtsByDept[departmentCode]...)
}
