package cmd

import (
	"fmt"
	"os"

	"github.com/Violet-Site-Systems/VEXEL-sub000/pkg/models"
	"gopkg.in/yaml.v3"
)

type agentFile struct {
	Agents []struct {
		ID           string            `yaml:"id"`
		Type         string            `yaml:"type"`
		Address      string            `yaml:"address"`
		Tags         map[string]string `yaml:"tags"`
		Capabilities []struct {
			Name        string         `yaml:"name"`
			Version     string         `yaml:"version"`
			InputSchema map[string]any `yaml:"input_schema"`
		} `yaml:"capabilities"`
	} `yaml:"agents"`
}

// LoadAgents reads statically configured remote agents from a YAML file.
func LoadAgents(path string) ([]*models.RegisteredAgent, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file %s: %w", path, err)
	}

	var file agentFile

	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	agents := make([]*models.RegisteredAgent, 0, len(file.Agents))

	for _, a := range file.Agents {
		agent := &models.RegisteredAgent{
			ID:      a.ID,
			Type:    a.Type,
			Address: a.Address,
			Tags:    a.Tags,
		}

		for _, c := range a.Capabilities {
			agent.Capabilities = append(agent.Capabilities, models.Capability{
				Name:        c.Name,
				Version:     c.Version,
				InputSchema: c.InputSchema,
			})
		}

		agents = append(agents, agent)
	}

	return agents, nil
}
