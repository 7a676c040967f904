package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for env prefixes and data directories.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the ideal binary.
var DefaultIdentity = Identity{BinaryName: "ideal", EnvPrefix: "IDEAL", ConfigName: "ideal"}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
	configFile  string
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile selects the YAML file read by the next Load. An empty path
// restores the default lookup (<data dir>/config.yaml when present).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration and makes it the one GetConfig returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v, dataDir())

	file := configFile
	if file == "" {
		file = os.Getenv(appIdentity.EnvPrefix + "_CONFIG")
	}
	if file == "" {
		if p := filepath.Join(dataDir(), "config.yaml"); fileExists(p) {
			file = p
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// GetIdentity returns the application identity once Load ran.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// getEnvSpecs lists the short environment names. Every other key is
// reachable as IDEAL_<SECTION>_<KEY> through AutomaticEnv. A short name must
// never equal IDEAL_<SECTION>: AutomaticEnv would resolve the whole section
// to that string.
func getEnvSpecs() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "SCHEDULER_BACKEND", Path: "scheduler.backend"},
		{Name: p + "CONDOR_BIN_DIR", Path: "scheduler.condor_bin_dir"},
		{Name: p + "REGISTRY_PATH", Path: "lifecycle.registry_path"},
		{Name: p + "SUBMISSION_LOG", Path: "lifecycle.submission_log"},
		{Name: p + "POLL_INTERVAL", Path: "convergence.poll_interval"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.s3.bucket"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
	}
}

func dataDir() string {
	name := DefaultIdentity.ConfigName
	if appIdentity != nil && appIdentity.ConfigName != "" {
		name = appIdentity.ConfigName
	}
	return gfconfig.GetAppDataDir(name)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
