// Package config holds the firesync CLI configuration: a YAML file with
// command-line overrides.
package config

import (
	goflag "flag"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"
)

// StreamConfig holds connection tuning options.
type StreamConfig struct {
	KeepAlive      time.Duration
	ReconnectDelay time.Duration
}

// Config holds the application configuration.
type Config struct {
	BaseURL      string
	Namespace    string
	AuthToken    string
	Path         string
	PushFile     string
	SnapshotFile string
	InsecureTLS  bool
	Stream       StreamConfig
}

// ParseFlags parses command line flags and merges them over the config
// file.
func ParseFlags() (*Config, error) {
	configFlag := flag.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := flag.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := flag.String("config-path", "config.yml", "Path where config file should be generated")

	// Simple flags for overriding config file
	urlFlag := flag.String("url", "", "Database base URL (overrides config)")
	nsFlag := flag.String("ns", "", "Database namespace (overrides config)")
	authFlag := flag.String("auth", "", "Auth token (overrides config)")
	pathFlag := flag.String("path", "", "Tree path to tail or push to (overrides config)")
	pushFlag := flag.String("push", "", "Local JSON file to watch and push (overrides config)")
	snapshotFlag := flag.String("snapshot", "", "Snapshot file to load on start (overrides config)")

	// glog registers its flags on the standard flag set
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	if *generateConfigFlag {
		glog.Infof("generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		glog.Infof("configuration file generated successfully")
	}

	cfg, err := LoadConfig(*configFlag)
	if err != nil {
		glog.Warningf("could not load config file: %v", err)
		glog.Warningf("using default configuration")
		cfg, _ = LoadConfig("")
	}

	if *urlFlag != "" {
		cfg.BaseURL = *urlFlag
	}
	if *nsFlag != "" {
		cfg.Namespace = *nsFlag
	}
	if *authFlag != "" {
		cfg.AuthToken = *authFlag
	}
	if *pathFlag != "" {
		cfg.Path = *pathFlag
	}
	if *pushFlag != "" {
		cfg.PushFile = *pushFlag
	}
	if *snapshotFlag != "" {
		cfg.SnapshotFile = *snapshotFlag
	}

	return cfg, nil
}
