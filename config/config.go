package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/depkit/configadmin"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/properties"
)

// Duration is a time.Duration that reads "5s" style strings as well as
// nanosecond counts
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(t))
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

// Config is the complete daemon configuration
type Config struct {
	Log      LogConfig      `json:"log"`
	Metrics  MetricsConfig  `json:"metrics"`
	Diag     DiagConfig     `json:"diag"`
	HTTP     HTTPConfig     `json:"http"`
	TLS      TLSConfig      `json:"tls"`
	NATS     NATSConfig     `json:"nats"`
	Dispatch DispatchConfig `json:"dispatch"`
	// Configurations are static configurations keyed by pid
	Configurations map[string]map[string]any `json:"configurations,omitempty" validate:"dive,keys,required,endkeys"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" validate:"omitempty,oneof=json text"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port" validate:"gte=0,lte=65535"`
	Path    string `json:"path" validate:"omitempty,startswith=/"`
}

// DiagConfig configures the diagnostic server
type DiagConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"required_if=Enabled true,omitempty,hostname_port|startswith=:"`
	// EventRate is the per-client event limit in events per second, 0 for none
	EventRate   float64 `json:"event_rate" validate:"gte=0"`
	EventBurst  int     `json:"event_burst" validate:"gte=0"`
	ClientQueue int     `json:"client_queue" validate:"gte=0"`
}

// HTTPConfig configures the listener serving whiteboard handlers
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"required_if=Enabled true,omitempty,hostname_port|startswith=:"`
}

// TLSConfig puts the whiteboard, diagnostic and metrics listeners behind
// TLS. Mode manual serves CertFile and KeyFile; acme obtains the certificate
// from an ACME directory and falls back to the files when both are set.
type TLSConfig struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode,omitempty" validate:"omitempty,oneof=manual acme"`
	CertFile   string `json:"cert_file,omitempty" validate:"required_with=KeyFile"`
	KeyFile    string `json:"key_file,omitempty" validate:"required_with=CertFile"`
	MinVersion string `json:"min_version,omitempty" validate:"omitempty,oneof=1.2 1.3"`
	// ClientCAFiles turns on client certificate verification
	ClientCAFiles     []string   `json:"client_ca_files,omitempty" validate:"dive,required"`
	RequireClientCert bool       `json:"require_client_cert,omitempty"`
	ACME              ACMEConfig `json:"acme"`
}

// ACMEConfig locates the ACME directory and the local certificate store
type ACMEConfig struct {
	DirectoryURL  string   `json:"directory_url,omitempty" validate:"omitempty,url"`
	Email         string   `json:"email,omitempty" validate:"omitempty,email"`
	Domains       []string `json:"domains,omitempty" validate:"dive,hostname_rfc1123"`
	ChallengeType string   `json:"challenge_type,omitempty" validate:"omitempty,oneof=http-01 tls-alpn-01"`
	RenewBefore   Duration `json:"renew_before,omitempty" validate:"gte=0"`
	CheckInterval Duration `json:"check_interval,omitempty" validate:"gte=0"`
	StoragePath   string   `json:"storage_path,omitempty"`
	CABundle      string   `json:"ca_bundle,omitempty"`
}

// Manual reports whether certificates come from files
func (t TLSConfig) Manual() bool { return t.Mode == "" || t.Mode == "manual" }

// check applies the rules that depend on the mode
func (t TLSConfig) check() error {
	if !t.Enabled {
		return nil
	}
	if t.Manual() {
		if t.CertFile == "" {
			return fmt.Errorf("tls.cert_file: required in manual mode")
		}
		return nil
	}
	a := t.ACME
	switch {
	case a.DirectoryURL == "":
		return fmt.Errorf("tls.acme.directory_url: required in acme mode")
	case a.Email == "":
		return fmt.Errorf("tls.acme.email: required in acme mode")
	case len(a.Domains) == 0:
		return fmt.Errorf("tls.acme.domains: required in acme mode")
	case a.StoragePath == "":
		return fmt.Errorf("tls.acme.storage_path: required in acme mode")
	}
	return nil
}

// ClientTLSConfig secures an outgoing connection. The system roots are
// trusted in addition to CAFiles.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" validate:"dive,required"`
	CertFile           string   `json:"cert_file,omitempty" validate:"required_with=KeyFile"`
	KeyFile            string   `json:"key_file,omitempty" validate:"required_with=CertFile"`
	MinVersion         string   `json:"min_version,omitempty" validate:"omitempty,oneof=1.2 1.3"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

// NATSConfig configures the optional NATS bridge and KV configuration source
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URL           string   `json:"url" validate:"required_if=Enabled true,omitempty,url"`
	Prefix        string   `json:"prefix" validate:"omitempty,subject_token"`
	ConfigBucket  string   `json:"config_bucket,omitempty" validate:"omitempty,subject_token"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" validate:"gte=0"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	// PublishWorkers and PublishQueue size the event publishing pool
	PublishWorkers int `json:"publish_workers" validate:"gte=0"`
	PublishQueue   int `json:"publish_queue" validate:"gte=0"`

	TLS ClientTLSConfig `json:"tls"`
}

// DispatchConfig bounds shutdown
type DispatchConfig struct {
	ShutdownTimeout Duration `json:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Diag: DiagConfig{
			Enabled:     true,
			Addr:        ":8081",
			EventRate:   50,
			EventBurst:  10,
			ClientQueue: 256,
		},
		HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
		TLS: TLSConfig{
			Mode:       "manual",
			MinVersion: "1.2",
			ACME: ACMEConfig{
				ChallengeType: "http-01",
				RenewBefore:   Duration(8 * time.Hour),
				CheckInterval: Duration(time.Hour),
			},
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Prefix:         "depkit",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			PublishWorkers: 2,
			PublishQueue:   1024,
		},
		Dispatch: DispatchConfig{ShutdownTimeout: Duration(30 * time.Second)},
	}
}

// Validate checks the decoded configuration with its validator tags
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", describe(err), errors.ErrInvalidConfig),
			"Config", "Validate", "struct validation")
	}
	if err := c.TLS.check(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig),
			"Config", "Validate", "tls mode check")
	}
	return nil
}

// StaticConfigurations converts the configurations section into property
// stores, sorted by pid. Whole numbers become int64.
func (c *Config) StaticConfigurations() ([]string, map[string]*properties.Store, error) {
	pids := make([]string, 0, len(c.Configurations))
	stores := make(map[string]*properties.Store, len(c.Configurations))
	for pid, values := range c.Configurations {
		data, err := json.Marshal(values)
		if err != nil {
			return nil, nil, errors.WrapInvalid(fmt.Errorf("pid %q: %w", pid, err),
				"Config", "StaticConfigurations", "encode values")
		}
		store, err := configadmin.DecodeProperties(data)
		if err != nil {
			return nil, nil, errors.WrapInvalid(fmt.Errorf("pid %q: %w", pid, err),
				"Config", "StaticConfigurations", "decode values")
		}
		pids = append(pids, pid)
		stores[pid] = store
	}
	sort.Strings(pids)
	return pids, stores, nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// JSON round trip for the deep copy of Configurations
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SaveToFile saves the configuration as JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if !strings.HasSuffix(path, ".json") {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", path, errors.ErrInvalidConfig),
			"Config", "SaveToFile", "path check")
	}
	return writeConfigFile(path, data)
}

// String returns the JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil check")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
