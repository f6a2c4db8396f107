package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Database struct {
		URL       string `yaml:"url"`
		Namespace string `yaml:"namespace"`
		AuthToken string `yaml:"auth_token"`
		Insecure  bool   `yaml:"insecure_tls"`
	} `yaml:"database"`

	Sync struct {
		Path         string `yaml:"path"`
		PushFile     string `yaml:"push_file"`
		SnapshotFile string `yaml:"snapshot_file"`
	} `yaml:"sync"`

	Stream struct {
		KeepAliveSeconds      int `yaml:"keep_alive_seconds"`
		ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	} `yaml:"stream"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	// Create default config
	cfg := &Config{
		Path: "/",
		Stream: StreamConfig{
			KeepAlive:      60 * time.Second,
			ReconnectDelay: time.Second,
		},
	}

	// If no config file specified, return default config
	if filePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Update config with values from file
	if fileConfig.Database.URL != "" {
		cfg.BaseURL = fileConfig.Database.URL
	}
	if fileConfig.Database.Namespace != "" {
		cfg.Namespace = fileConfig.Database.Namespace
	}
	if fileConfig.Database.AuthToken != "" {
		cfg.AuthToken = fileConfig.Database.AuthToken
	}
	cfg.InsecureTLS = fileConfig.Database.Insecure

	if fileConfig.Sync.Path != "" {
		cfg.Path = fileConfig.Sync.Path
	}
	if fileConfig.Sync.PushFile != "" {
		cfg.PushFile = fileConfig.Sync.PushFile
	}
	if fileConfig.Sync.SnapshotFile != "" {
		cfg.SnapshotFile = fileConfig.Sync.SnapshotFile
	}

	if fileConfig.Stream.KeepAliveSeconds != 0 {
		cfg.Stream.KeepAlive = time.Duration(fileConfig.Stream.KeepAliveSeconds) * time.Second
	}
	if fileConfig.Stream.ReconnectDelaySeconds != 0 {
		cfg.Stream.ReconnectDelay = time.Duration(fileConfig.Stream.ReconnectDelaySeconds) * time.Second
	}

	return cfg, nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	var fileConfig FileConfig

	fileConfig.Database.URL = "https://yourdb.firebaseio.com"
	fileConfig.Database.Namespace = "yourdb"
	fileConfig.Database.AuthToken = ""
	fileConfig.Database.Insecure = false

	fileConfig.Sync.Path = "/"
	fileConfig.Sync.PushFile = ""
	fileConfig.Sync.SnapshotFile = ""

	fileConfig.Stream.KeepAliveSeconds = 60
	fileConfig.Stream.ReconnectDelaySeconds = 1

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	yamlWithComments := "# firesync configuration\n" +
		"# Database connection and stream tuning for the firesync CLI\n\n" +
		string(data)

	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
