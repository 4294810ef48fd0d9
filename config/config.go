// Package config describes the declarative shape of a Revolver gateway
// deployment: services, APIs, the resolver, mailbox and client
// defaults. It follows gizmo's config loading conventions: a JSON file
// (or a `consul:path/to/key` reference read from Consul's KV store),
// with `envconfig` used to layer secrets and ports from the
// environment on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/kelseyhightower/envconfig"
)

// Config is the root object; its JSON key is "revolver" per spec §6.
type Config struct {
	Revolver *Revolver `json:"revolver"`
}

// Revolver holds every subsystem's configuration.
type Revolver struct {
	ClientConfig ClientConfig  `json:"clientConfig"`
	Global       RuntimeConfig `json:"global"`

	ServiceResolverConfig ServiceResolverConfig `json:"serviceResolverConfig"`
	Services              []ServiceSpec         `json:"services"`

	MailBox MailboxConfig `json:"mailBox"`

	CallbackTimeout      int `json:"callbackTimeout" envconfig:"REVOLVER_CALLBACK_TIMEOUT_MS"`
	MaxCallbackAttempts  int `json:"maxCallbackAttempts"`
	CallbackQueueSize    int `json:"callbackQueueSize"`
	CallbackWorkers      int `json:"callbackWorkers"`

	DynamicConfig             bool   `json:"dynamicConfig" envconfig:"REVOLVER_DYNAMIC_CONFIG"`
	ConfigPollIntervalSeconds int    `json:"configPollIntervalSeconds"`
	DynamicConfigURL          string `json:"dynamicConfigUrl" envconfig:"REVOLVER_DYNAMIC_CONFIG_URL"`

	HTTPAddr string `json:"httpAddr" envconfig:"HTTP_ADDR"`
	HTTPPort int    `json:"httpPort" envconfig:"HTTP_PORT"`

	LogLevel string `json:"logLevel" envconfig:"APP_LOG_LEVEL"`
	Log      string `json:"log" envconfig:"APP_LOG"`

	ShutdownGraceSeconds int `json:"shutdownGraceSeconds"`
}

// ClientConfig configures the pooled HTTP clients built per service.
type ClientConfig struct {
	ConnectTimeoutMS int `json:"connectTimeoutMs"`
	IdleTimeoutMS    int `json:"idleTimeoutMs"`
	MaxIdleConns     int `json:"maxIdleConns"`
}

// RuntimeConfig is the global default, overridable per-API.
type RuntimeConfig struct {
	TimeoutMS       int         `json:"timeout_ms"`
	Concurrency     int         `json:"concurrency"`
	Circuit         CircuitSpec `json:"circuit"`
	FallbackEnabled bool        `json:"fallback_enabled"`
}

// CircuitSpec is the breaker portion of a RuntimeConfig.
type CircuitSpec struct {
	ErrorThresholdPercent int `json:"error_threshold_percent"`
	RequestVolume         int `json:"request_volume"`
	SleepWindowMS         int `json:"sleep_window_ms"`
}

// ServiceResolverConfig describes how upstream endpoints are discovered.
// UseCurator (kept for wire compatibility with the original Java config)
// selects the cluster-watching resolver, served here by Consul's
// health-checked catalog rather than ZooKeeper/Curator.
type ServiceResolverConfig struct {
	UseCurator      bool     `json:"useCurator"`
	Endpoints       []string `json:"endpoints"`
	ZkConnectString string   `json:"zkConnectString"`
}

// MailboxConfig selects the persistence provider backend.
type MailboxConfig struct {
	Type       string `json:"type"` // in_memory|external
	RedisAddr  string `json:"redisAddr" envconfig:"REVOLVER_REDIS_ADDR"`
	RedisDB    int    `json:"redisDb"`
	DefaultTTL int    `json:"defaultTtlSeconds"`
}

// AuthSpec is a type-tagged auth variant: basic|token.
type AuthSpec struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ServiceSpec describes one upstream service and its APIs.
type ServiceSpec struct {
	Service         string    `json:"service"`
	Type            string    `json:"type"` // http|https
	PoolSize        int       `json:"poolSize"`
	KeepAliveMS     int       `json:"keepAliveMs"`
	Compression     bool      `json:"compression"`
	Auth            *AuthSpec `json:"auth,omitempty"`
	TrackingHeaders bool      `json:"trackingHeaders"`
	KeyStorePath    string    `json:"keyStorePath,omitempty"`
	KeyStorePass    string    `json:"keyStorePass,omitempty"`
	Endpoints       []string  `json:"endpoints"`
	APIs            []ApiSpec `json:"apis"`
}

// ApiSpec describes one route on a service.
type ApiSpec struct {
	Name                   string        `json:"api"`
	Path                   string        `json:"path"`
	Methods                []string      `json:"methods"`
	Mode                   string        `json:"mode"` // "", "polling"
	Runtime                RuntimeConfig `json:"runtime"`
	Retry                  RetryPolicy   `json:"retry"`
	AuthRequired           bool          `json:"authRequired"`
	WhitelistedReqHeaders  []string      `json:"whitelistedRequestHeaders"`
	WhitelistedRespHeaders []string      `json:"whitelistedResponseHeaders"`
	// PersistSync opts a SYNC-mode API into RECEIVED/terminal persistence
	// even though spec §4.3 leaves SYNC unpersisted by default — needed by
	// APIs that still want a `GET /v1/request/{id}` audit trail for
	// synchronous calls.
	PersistSync bool `json:"persistSync"`
	// Fallback, when non-nil and runtime.fallback_enabled is set, is the
	// canned response synthesized on any non-success outcome (spec §4.2).
	// The Java original wires fallbacks as caller-supplied closures; a
	// declarative config format can only carry static data, so this is
	// that mechanism's realization here.
	Fallback *FallbackSpec `json:"fallback,omitempty"`
}

// FallbackSpec is the canned response an ApiSpec falls back to.
type FallbackSpec struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RetryPolicy bounds retries for idempotent methods.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

// EnvAppName is used as a prefix for environment variable names, gizmo-style.
var EnvAppName = ""

// Load reads a Config from a JSON file path, or from Consul KV if the
// path is prefixed with "consul:", the way gizmo's config.NewConfig
// dispatches on the same prefix. Env overrides are applied afterward.
func Load(path string) (*Config, error) {
	var c Config
	if path == "" {
		c.Revolver = defaults()
		applyEnv(&c)
		return &c, nil
	}
	var raw []byte
	var err error
	if strings.HasPrefix(path, "consul:") {
		raw, err = loadFromConsulKV(strings.TrimPrefix(path, "consul:"))
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %q: %w", path, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: unable to parse %q: %w", path, err)
	}
	if c.Revolver == nil {
		c.Revolver = defaults()
	}
	applyEnv(&c)
	return &c, nil
}

func loadFromConsulKV(key string) ([]byte, error) {
	client, err := consulapi.NewClient(consulapi.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("unable to set up consul client: %w", err)
	}
	kv, _, err := client.KV().Get(key, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to read consul kv %q: %w", key, err)
	}
	if kv == nil || len(kv.Value) == 0 {
		return nil, fmt.Errorf("empty consul kv %q", key)
	}
	return kv.Value, nil
}

// applyEnv layers env vars over the loaded config, gizmo's
// LoadEnvConfig pattern.
func applyEnv(c *Config) {
	if err := envconfig.Process(EnvAppName, c.Revolver); err != nil {
		panic(fmt.Sprintf("config: unable to apply env overrides: %s", err))
	}
}

func defaults() *Revolver {
	return &Revolver{
		HTTPPort:                  8080,
		LogLevel:                  "info",
		ConfigPollIntervalSeconds: 600,
		CallbackTimeout:           3000,
		MaxCallbackAttempts:       5,
		CallbackQueueSize:         1000,
		CallbackWorkers:           4,
		ShutdownGraceSeconds:      30,
		MailBox: MailboxConfig{
			Type:       "in_memory",
			DefaultTTL: 3600,
		},
	}
}

// Validate enforces the boundary cases from the testable-properties
// section: zero APIs per service is invalid, duplicate `{name}`
// parameters in a path template are invalid, and callback_timeout_ms is
// clamped rather than rejected.
func (r *Revolver) Validate() error {
	if r == nil {
		return fmt.Errorf("config: nil revolver config")
	}
	if len(r.Services) == 0 {
		return fmt.Errorf("config: at least one service must be configured")
	}
	seenServices := map[string]bool{}
	for _, svc := range r.Services {
		if svc.Service == "" {
			return fmt.Errorf("config: service missing a name")
		}
		if seenServices[svc.Service] {
			return fmt.Errorf("config: duplicate service %q", svc.Service)
		}
		seenServices[svc.Service] = true
		if len(svc.APIs) == 0 {
			return fmt.Errorf("config: service %q has zero APIs", svc.Service)
		}
		seenAPIs := map[string]bool{}
		for _, api := range svc.APIs {
			if api.Name == "" {
				return fmt.Errorf("config: service %q has an API with no name", svc.Service)
			}
			if seenAPIs[api.Name] {
				return fmt.Errorf("config: service %q has duplicate API %q", svc.Service, api.Name)
			}
			seenAPIs[api.Name] = true
			if err := validatePathTemplate(api.Path); err != nil {
				return fmt.Errorf("config: service %q api %q: %w", svc.Service, api.Name, err)
			}
		}
	}
	if r.CallbackTimeout <= 0 {
		r.CallbackTimeout = 3000
	} else if r.CallbackTimeout > 30000 {
		r.CallbackTimeout = 30000
	}
	if r.ConfigPollIntervalSeconds <= 0 {
		r.ConfigPollIntervalSeconds = 600
	}
	if r.MaxCallbackAttempts <= 0 {
		r.MaxCallbackAttempts = 5
	}
	if r.CallbackQueueSize <= 0 {
		r.CallbackQueueSize = 1000
	}
	if r.CallbackWorkers <= 0 {
		r.CallbackWorkers = 4
	}
	return nil
}

func validatePathTemplate(path string) error {
	seen := map[string]bool{}
	for _, seg := range strings.Split(path, "/") {
		if len(seg) < 2 || seg[0] != '{' || seg[len(seg)-1] != '}' {
			continue
		}
		name := seg[1 : len(seg)-1]
		if seen[name] {
			return fmt.Errorf("path template %q reuses parameter {%s}", path, name)
		}
		seen[name] = true
	}
	return nil
}
