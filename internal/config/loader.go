package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "BATCHWATCH"

	// ConfigName is the config file base name.
	ConfigName = "batchwatch"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile makes Load read path instead of searching for
// batchwatch.yaml. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// envSpec maps one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	specs := []envSpec{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"POLL_INTERVAL", "poll.interval"},
		{"POLL_REQUEST_TIMEOUT", "poll.request_timeout"},
		{"STATE_DIR", "poll.state_dir"},
		{"RESUME", "poll.resume"},
		{"PROVIDER", "provider.type"},
		{"PROVIDER_BASE_URL", "provider.base_url"},
		{"CLIENT_ID", "provider.client_id"},
		{"REQUESTS_PER_SECOND", "provider.requests_per_second"},
		{"BURST", "provider.burst"},
		{"EVENTS_ALLOWED_ORIGINS", "events.allowed_origins"},
		{"EVENTS_WRITE_TIMEOUT", "events.write_timeout"},
		{"EVENTS_BUFFER", "events.buffer"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	return specs
}

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("poll.interval", "1s")
	v.SetDefault("poll.request_timeout", "0s")
	v.SetDefault("poll.state_dir", defaultStateDir())
	v.SetDefault("poll.resume", true)

	v.SetDefault("provider.type", "dropbox")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.client_id", ConfigName)
	v.SetDefault("provider.requests_per_second", 10.0)
	v.SetDefault("provider.burst", 5)

	v.SetDefault("events.allowed_origins", []string{})
	v.SetDefault("events.write_timeout", "10s")
	v.SetDefault("events.buffer", 64)
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, ConfigName, "jobs")
	}
	return filepath.Join(os.TempDir(), ConfigName, "jobs")
}

func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ConfigName))
	}
	return paths
}

// Load builds the configuration and makes it the one GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit == "" {
		explicit = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// GetConfig returns the configuration from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}
