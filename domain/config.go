package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// boardFile is the YAML layout of a board definition:
//
//	name: opportunity-pipeline
//	columns:
//	  - key: LEAD
//	    title: Lead
//	    display_order: 0
//	  - key: REVIEW
//	    capacity: 5
//	    display_order: 1
type boardFile struct {
	Name    string        `yaml:"name"`
	Columns []BoardColumn `yaml:"columns"`
}

// ParseBoardConfig decodes and validates a YAML board definition.
func ParseBoardConfig(data []byte) (BoardConfig, error) {
	var f boardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return BoardConfig{}, fmt.Errorf("failed to parse board config: %w", err)
	}
	cfg, err := NewBoardConfig(f.Name, f.Columns)
	if err != nil {
		return BoardConfig{}, fmt.Errorf("invalid board config: %w", err)
	}
	return cfg, nil
}

// LoadBoardConfig reads a YAML board definition from path.
func LoadBoardConfig(path string) (BoardConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BoardConfig{}, fmt.Errorf("failed to read board config: %w", err)
	}
	return ParseBoardConfig(data)
}
