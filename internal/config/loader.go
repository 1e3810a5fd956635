package config

import (
	"fmt"
	"os"

	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads a pipeline definition from a YAML file
func LoadFromFile(filePath string) (*Pipeline, error) {
	logger.Debug("Loading pipeline from file", zap.String("path", filePath))

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	pipeline, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}

	logger.Debug("Successfully loaded pipeline",
		zap.String("file", filePath),
		zap.Int("stages", len(pipeline.Stages)),
		zap.Int("jobs", len(pipeline.Jobs)))

	return pipeline, nil
}

// LoadFromBytes loads a pipeline definition from YAML bytes
func LoadFromBytes(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}

	if err := Validate(&pipeline); err != nil {
		return nil, err
	}

	return &pipeline, nil
}

// LoadSecrets reads a flat key/value YAML mapping and returns a lookup
// function over it. Secret values are never logged.
func LoadSecrets(filePath string) (func(string) (string, bool), error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var secrets map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}

	logger.Debug("Loaded secrets", zap.Int("keys", len(secrets)))

	return func(key string) (string, bool) {
		v, ok := secrets[key]
		return v, ok
	}, nil
}

// NoSecrets is a lookup function for runs without a secrets file.
func NoSecrets(string) (string, bool) {
	return "", false
}
