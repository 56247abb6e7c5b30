package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// flowsFile: формат файла с flows.
//
//	flows:
//	  - name: Login with valid credentials
//	    description: User can sign in
//	    instructions: |
//	      1. Open /login
//	      2. Submit the form
//	    approved: true
//
// Допускается и голый список flows без ключа flows.
type flowsFile struct {
	Flows []Flow `yaml:"flows"`
}

// LoadFlows читает flows из YAML файла. JSON тоже подходит: он валидный YAML.
func LoadFlows(path string) ([]Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}
	return ParseFlows(data)
}

// ParseFlows разбирает содержимое файла с flows.
func ParseFlows(data []byte) ([]Flow, error) {
	var flows []Flow

	var file flowsFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Flows) > 0 {
		flows = file.Flows
	} else if err := yaml.Unmarshal(data, &flows); err != nil {
		return nil, fmt.Errorf("parse flows: %w", err)
	}

	if len(flows) == 0 {
		return nil, errors.New("no flows in file")
	}
	for i, f := range flows {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("flow #%d: name is required", i+1)
		}
	}
	return flows, nil
}

// approveAll помечает все flows одобренными.
func approveAll(flows []Flow) {
	for i := range flows {
		flows[i].Approved = true
	}
}
