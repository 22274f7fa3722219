// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/soothill/mppt-core/pkg/util"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// GetSchemaJSON returns the embedded JSON schema text, for operators who
// want to validate a config file with an external tool.
func GetSchemaJSON() string {
	return schemaJSON
}

// ValidateWithSchema validates the configuration file against the JSON schema
// before it is ever unmarshalled into Config, catching malformed YAML and
// out-of-range values with a precise, field-by-field report.
func ValidateWithSchema(path string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)

	yamlFile, err := util.ReadFileSafely(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var configData interface{}
	err = yaml.Unmarshal(yamlFile, &configData)
	if err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	jsonData, err := json.Marshal(configData)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config schema: %w", err)
	}

	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}

	return nil
}

// formatValidationErrors collapses gojsonschema's error list into a single
// error listing one line per violation. Returns nil for an empty list.
func formatValidationErrors(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("configuration is not valid:")
	for _, e := range errs {
		b.WriteString("\n- ")
		b.WriteString(e.String())
	}
	return fmt.Errorf("%s", b.String())
}
