package plcsim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"eiptag/logix"
)

// Seed is a symbol table loaded from YAML:
//
//	tags:
//	  - name: Counter
//	    type: DINT
//	    value: 42
//	  - name: Speeds
//	    type: REAL
//	    dims: [10]
type Seed struct {
	Tags []SeedTag `yaml:"tags"`
}

type SeedTag struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Dims   []int  `yaml:"dims,omitempty"`
	Value  any    `yaml:"value,omitempty"`
	System bool   `yaml:"system,omitempty"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plcsim: read seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("plcsim: parse seed: %w", err)
	}
	return &seed, nil
}

// DefaultSeed is the table served by "eiptag sim" without a seed file.
func DefaultSeed() *Seed {
	return &Seed{Tags: []SeedTag{
		{Name: "Counter", Type: "DINT", Value: 0},
		{Name: "Motor", Type: "BOOL", Value: false},
		{Name: "Speed", Type: "REAL", Value: 12.5},
		{Name: "Pressure", Type: "LREAL", Value: 101.325},
		{Name: "Recipe", Type: "INT", Value: 3},
		{Name: "Totals", Type: "DINT", Dims: []int{10}},
		{Name: "Program:MainProgram", Type: "DINT"},
		{Name: "__Diagnostics", Type: "DINT", System: true},
	}}
}

// Apply adds every seed tag to s.
func (seed *Seed) Apply(s *Server) error {
	for _, st := range seed.Tags {
		t, err := logix.ParseDataType(st.Type)
		if err != nil {
			return fmt.Errorf("plcsim: tag %q: %w", st.Name, err)
		}
		if st.System {
			err = s.AddSystemTag(st.Name, t)
		} else {
			err = s.AddTag(st.Name, t, st.Dims...)
		}
		if err != nil {
			return err
		}
		if st.Value != nil {
			if err := s.SetValue(st.Name, st.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
