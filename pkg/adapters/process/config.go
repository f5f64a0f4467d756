package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProcessConfig declares one allow-listed command.
type ProcessConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
}

// RouteConfig picks the next node from the value of one state key.
// Values not listed in Cases go to Default; an empty Default fails the run.
type RouteConfig struct {
	Key     string            `yaml:"key" json:"key"`
	Cases   map[string]string `yaml:"cases" json:"cases"`
	Default string            `yaml:"default" json:"default"`
}

// GraphConfig declares a graph whose nodes run allow-listed processes.
// Nodes maps node names to process names.
type GraphConfig struct {
	ID         string                 `yaml:"id" json:"id"`
	EntryPoint string                 `yaml:"entry_point" json:"entry_point"`
	Nodes      map[string]string      `yaml:"nodes" json:"nodes"`
	Edges      map[string]string      `yaml:"edges" json:"edges"`
	Routes     map[string]RouteConfig `yaml:"routes" json:"routes"`
}

// ConfigFile is the layout of a process graphs file.
type ConfigFile struct {
	Processes []ProcessConfig `yaml:"processes" json:"processes"`
	Graphs    []GraphConfig   `yaml:"graphs" json:"graphs"`
}

// Tools returns the declared processes keyed by name. Unnamed entries are skipped.
func (c *ConfigFile) Tools() map[string]ProcessConfig {
	tools := make(map[string]ProcessConfig, len(c.Processes))
	for _, p := range c.Processes {
		if p.Name == "" {
			continue
		}
		tools[p.Name] = p
	}
	return tools
}

// LoadFile reads a YAML or JSON (by extension) process graphs file.
func LoadFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return &cfg, nil
}
