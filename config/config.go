package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"guardflow/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the node configuration of guardd.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`
	// LogFile switches logging from stdout to a rotated file.
	LogFile         string `toml:"LogFile"`
	ChainID         uint64 `toml:"ChainID"`
	ContractAddress string `toml:"ContractAddress"`
	TimelockSeconds uint64 `toml:"TimelockSeconds"`
	Owner           string `toml:"Owner"`
	Broadcaster     string `toml:"Broadcaster"`
	Recovery        string `toml:"Recovery"`
	// Observer is an optional URL receiving audit events as JSON.
	Observer     string `toml:"Observer"`
	ManifestFile string `toml:"ManifestFile"`

	Auth      Auth      `toml:"auth"`
	RateLimit RateLimit `toml:"rate_limit"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is created
// with local development defaults: one keystore per protected role is generated
// next to it and the role addresses are filled in.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if cfg.ManifestFile != "" && !filepath.IsAbs(cfg.ManifestFile) {
		cfg.ManifestFile = filepath.Join(filepath.Dir(path), cfg.ManifestFile)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./guardflow-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = 0
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ChainID:         1337,
		ContractAddress: crypto.FromRaw([20]byte{0x6f, 0x77}).String(),
		TimelockSeconds: 3600,
	}
	applyDefaults(cfg)

	roles := []struct {
		name string
		dst  *string
	}{
		{"owner", &cfg.Owner},
		{"broadcaster", &cfg.Broadcaster},
		{"recovery", &cfg.Recovery},
	}
	for _, role := range roles {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveToKeystore(defaultKeystorePath(path, role.name), key, ""); err != nil {
			return nil, err
		}
		*role.dst = key.PubKey().Address().String()
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath, role string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, role+".keystore")
}
