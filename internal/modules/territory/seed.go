package territory

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Seed is the YAML bootstrap format for the territory tree:
//
//	regions:
//	  - code: "84"
//	    name: Auvergne-Rhône-Alpes
//	    departments:
//	      - code: "01"
//	        name: Ain
//	        districts:
//	          - {code: "011", name: Belley}
type Seed struct {
	Regions []SeedRegion `yaml:"regions"`
}

type SeedRegion struct {
	Region      `yaml:",inline"`
	Departments []SeedDepartment `yaml:"departments"`
}

type SeedDepartment struct {
	Department `yaml:",inline"`
	Districts  []District `yaml:"districts"`
}

// LoadSeed parses a YAML seed.
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode territory seed: %w", err)
	}
	for _, reg := range seed.Regions {
		if reg.Code == "" {
			return nil, fmt.Errorf("territory seed: region without code")
		}
	}
	return &seed, nil
}

// Flatten returns the seed as flat territory lists with parent codes filled in.
func (s *Seed) Flatten() ([]Region, []Department, []District) {
	var (
		regions     []Region
		departments []Department
		districts   []District
	)
	for _, reg := range s.Regions {
		regions = append(regions, reg.Region)
		for _, dep := range reg.Departments {
			d := dep.Department
			d.RegionCode = reg.Code
			departments = append(departments, d)
			for _, dis := range dep.Districts {
				dis.DepartmentCode = d.Code
				districts = append(districts, dis)
			}
		}
	}
	return regions, departments, districts
}

// ApplySeed upserts the seed's territories and creates a scope for every
// region, department and district it lists. Callers run it inside a transaction.
func (r *Repository) ApplySeed(ctx context.Context, seed *Seed) (int, error) {
	regions, departments, districts := seed.Flatten()

	dir, err := NewDirectory(regions, departments, districts)
	if err != nil {
		return 0, err
	}

	for _, reg := range regions {
		if err := r.UpsertRegion(ctx, reg); err != nil {
			return 0, err
		}
	}
	for _, dep := range departments {
		if err := r.UpsertDepartment(ctx, dep); err != nil {
			return 0, err
		}
	}
	for _, dis := range districts {
		if err := r.UpsertDistrict(ctx, dis); err != nil {
			return 0, err
		}
	}

	scopes := 0
	for _, reg := range regions {
		for _, s := range dir.ScopesFor(reg.Code) {
			if _, err := r.EnsureScope(ctx, s, dir); err != nil {
				return scopes, err
			}
			scopes++
		}
	}

	r.log.Info().
		Int("regions", len(regions)).
		Int("departments", len(departments)).
		Int("districts", len(districts)).
		Int("scopes", scopes).
		Msg("Territory seed applied")

	return scopes, nil
}
