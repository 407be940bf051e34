package mapping

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a mapping seed file.
type SeedFile struct {
	Mappings []ApiMapping `yaml:"mappings"`
}

// LoadSeedFile reads mappings from a YAML file. Both a top-level
// "mappings" key and a bare list are accepted.
func LoadSeedFile(path string) ([]ApiMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) ([]ApiMapping, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []ApiMapping
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("failed to decode seed: %w", err)
		}
		return list, nil
	}

	var file SeedFile
	if err := root.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	return file.Mappings, nil
}
