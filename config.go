package envmlflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by ConfigFromEnv.
const (
	// EnvironmentKey holds the logical environment name.
	EnvironmentKey = "MLFLOW_ENV"

	TrackingURIKey   = "MLFLOW_TRACKING_URI"
	RegistryURIKey   = "MLFLOW_REGISTRY_URI"
	TokenKey         = "MLFLOW_TRACKING_TOKEN"
	UsernameKey      = "MLFLOW_TRACKING_USERNAME"
	PasswordKey      = "MLFLOW_TRACKING_PASSWORD"
	S3EndpointURLKey = "MLFLOW_S3_ENDPOINT_URL"
)

// DefaultAppName is used for the artifact cache when Config.AppName is empty.
const DefaultAppName = "envmlflow"

// ConfigFromEnv returns cfg with every empty field filled from the process
// environment. Explicit values in cfg always win.
func ConfigFromEnv(cfg Config) Config {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&cfg.Environment, EnvironmentKey)
	fill(&cfg.TrackingURI, TrackingURIKey)
	fill(&cfg.RegistryURI, RegistryURIKey)
	fill(&cfg.Token, TokenKey)
	fill(&cfg.Username, UsernameKey)
	fill(&cfg.Password, PasswordKey)
	fill(&cfg.S3EndpointURL, S3EndpointURLKey)
	return cfg
}

// LoadConfigFile reads a YAML configuration file.
//
//	environment: acc
//	tracking_uri: https://mlflow.example.com
//	token: dapi...
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading %s: %v", ErrConfiguration, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrConfiguration, path, err)
	}
	return cfg, nil
}

// merge returns cfg with empty fields taken from base.
func (cfg Config) merge(base Config) Config {
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	return Config{
		Environment:   pick(cfg.Environment, base.Environment),
		TrackingURI:   pick(cfg.TrackingURI, base.TrackingURI),
		RegistryURI:   pick(cfg.RegistryURI, base.RegistryURI),
		Token:         pick(cfg.Token, base.Token),
		Username:      pick(cfg.Username, base.Username),
		Password:      pick(cfg.Password, base.Password),
		S3EndpointURL: pick(cfg.S3EndpointURL, base.S3EndpointURL),
		AppName:       pick(cfg.AppName, base.AppName),
		CacheDir:      pick(cfg.CacheDir, base.CacheDir),
	}
}

// validate checks the fields every client needs.
func (cfg Config) validate() error {
	if cfg.Environment == "" {
		return fmt.Errorf("%w: pass an environment or set %s", ErrConfiguration, EnvironmentKey)
	}
	return nil
}

// registryURI returns RegistryURI, falling back to TrackingURI.
func (cfg Config) registryURI() string {
	if cfg.RegistryURI != "" {
		return cfg.RegistryURI
	}
	return cfg.TrackingURI
}

// appName returns AppName or DefaultAppName.
func (cfg Config) appName() string {
	if cfg.AppName != "" {
		return cfg.AppName
	}
	return DefaultAppName
}
