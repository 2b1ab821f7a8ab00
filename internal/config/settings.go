// Package config loads settings for the routing core: the bootstrap
// address, routing context, and retry tuning. Settings are loaded from a
// YAML file with CLUSTERDRV_* environment overrides, and validated with
// every violation aggregated into one error rather than failing fast on
// the first one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clustererr"
)

// Duration wraps time.Duration for YAML (un)marshaling as a Go duration
// string ("5s", "250ms").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Settings is the configuration surface used by the routing core: the
// bootstrap router, routing context forwarded to the server, and the
// rediscovery retry tuning.
type Settings struct {
	InitialRouter      string            `yaml:"initial_router"`
	RoutingContext     map[string]string `yaml:"routing_context"`
	MaxRoutingFailures uint              `yaml:"max_routing_failures"`
	RetryTimeoutDelay  Duration          `yaml:"retry_timeout_delay"`
}

// Default returns baseline settings before file/env overrides are applied.
func Default() Settings {
	return Settings{
		RoutingContext:     map[string]string{},
		MaxRoutingFailures: 3,
		RetryTimeoutDelay:  Duration(time.Second),
	}
}

// Load reads YAML settings from path (if non-empty and present), applies
// CLUSTERDRV_* environment overrides, and validates the result.
// initial_router has no default: it comes from the file or from the
// CLUSTERDRV_INITIAL_ROUTER override.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&s)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnvOverrides(s *Settings) {
	if v, ok := os.LookupEnv("CLUSTERDRV_INITIAL_ROUTER"); ok {
		s.InitialRouter = v
	}
	if v, ok := os.LookupEnv("CLUSTERDRV_MAX_ROUTING_FAILURES"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxRoutingFailures = uint(n)
		}
	}
	if v, ok := os.LookupEnv("CLUSTERDRV_RETRY_TIMEOUT_DELAY"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			s.RetryTimeoutDelay = Duration(d)
		}
	}
}

// Validate aggregates every violation into a single ConfigurationError
// (errs []string, joined at the end) rather than failing fast on the
// first one.
func (s Settings) Validate() error {
	var errs []string

	if strings.TrimSpace(s.InitialRouter) == "" {
		errs = append(errs, "initial_router must not be empty")
	} else if _, err := address.Parse(s.InitialRouter); err != nil {
		errs = append(errs, fmt.Sprintf("initial_router: %v", err))
	}
	if s.MaxRoutingFailures == 0 {
		errs = append(errs, "max_routing_failures must be positive")
	}
	if s.RetryTimeoutDelay.Std() <= 0 {
		errs = append(errs, "retry_timeout_delay must be positive")
	}

	if len(errs) > 0 {
		return clustererr.ConfigurationError(strings.Join(errs, "; "))
	}
	return nil
}

// Bootstrap parses InitialRouter into a ServerAddress. Callers should only
// invoke this after Validate has succeeded.
func (s Settings) Bootstrap() address.ServerAddress {
	a, _ := address.Parse(s.InitialRouter)
	return a
}
