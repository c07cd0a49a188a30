package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"text/template"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, expands environment variables, fills in
// defaults for anything unset, and validates the result. A missing file is
// not an error: the built-in defaults are returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("No configuration file found, using defaults", "path", path)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(expandEnv(data), &file); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	merge(cfg, &file)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded", "path", path)
	return cfg, nil
}

// merge overlays file sections onto the defaults. A section absent from the
// file keeps its defaults wholesale; a present section replaces the default
// section entirely, relying on validation to catch holes.
func merge(base, file *Config) {
	if file.Engine != nil {
		base.Engine = file.Engine
	}
	if file.Limits != nil {
		base.Limits = file.Limits
	}
	if file.Cache != nil {
		base.Cache = file.Cache
	}
	if file.LLM != nil {
		base.LLM = file.LLM
	}
	if file.Publish != nil {
		base.Publish = file.Publish
	}
	if file.Redis != nil {
		base.Redis = file.Redis
	}
	if file.HTTP != nil {
		base.HTTP = file.HTTP
	}
	if file.Templates != nil {
		base.Templates = file.Templates
	}
}

// Validate runs struct-tag validation over every section.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// expandEnv expands {{.VAR_NAME}} references in YAML content from the
// process environment. Template syntax avoids colliding with literal $
// characters in passwords and patterns. Missing variables expand to empty;
// malformed templates pass the content through untouched.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
