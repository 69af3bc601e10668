package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/depkit/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DEPKIT"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file over the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads the defaults, merges every layer in order, applies environment
// overrides and validates the result when validation is enabled
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%s: %w", path, err), "Loader", "Load", "load layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	if l.validation {
		if err := ValidateDocument(merged); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig), "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig), "Loader", "Load", "decode merged layers")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Load reads a single file with validation enabled
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.EnableValidation(true)
	return l.LoadFile(path)
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRaw reads a layer as a generic document, decoding by extension
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkDepth(raw, 1); err != nil {
		return nil, err
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Null values in override are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(key, val); err != nil {
		return "", false, errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig),
			"Loader", "applyEnvOverrides", "environment check")
	}
	return val, true, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LOG_LEVEL":     &cfg.Log.Level,
		"LOG_FORMAT":    &cfg.Log.Format,
		"DIAG_ADDR":     &cfg.Diag.Addr,
		"HTTP_ADDR":     &cfg.HTTP.Addr,
		"NATS_URL":      &cfg.NATS.URL,
		"NATS_PREFIX":   &cfg.NATS.Prefix,
		"NATS_USERNAME": &cfg.NATS.Username,
		"NATS_PASSWORD": &cfg.NATS.Password,
		"NATS_TOKEN":    &cfg.NATS.Token,
		"TLS_CERT_FILE": &cfg.TLS.CertFile,
		"TLS_KEY_FILE":  &cfg.TLS.KeyFile,
	}
	for name, dst := range strs {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	bools := map[string]*bool{
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
		"DIAG_ENABLED":    &cfg.Diag.Enabled,
		"HTTP_ENABLED":    &cfg.HTTP.Enabled,
		"NATS_ENABLED":    &cfg.NATS.Enabled,
		"TLS_ENABLED":     &cfg.TLS.Enabled,
	}
	for name, dst := range bools {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s_%s: %v: %w", l.envPrefix, name, err, errors.ErrInvalidConfig),
				"Loader", "applyEnvOverrides", "parse boolean")
		}
		*dst = b
	}

	if val, ok, err := l.env("METRICS_PORT"); err != nil {
		return err
	} else if ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s_METRICS_PORT: %v: %w", l.envPrefix, err, errors.ErrInvalidConfig),
				"Loader", "applyEnvOverrides", "parse port")
		}
		cfg.Metrics.Port = port
	}
	return nil
}
