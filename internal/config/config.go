// Package config loads the library configuration from the environment.
// Each of the three variables holds either a JSON document or the path to
// one: drive locations, drive security, and the cluster definition.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/plensing/kineticio/internal/drive"
)

// Environment variable names
const (
	EnvDriveLocation     = "KINETIC_DRIVE_LOCATION"
	EnvDriveSecurity     = "KINETIC_DRIVE_SECURITY"
	EnvClusterDefinition = "KINETIC_CLUSTER_DEFINITION"
)

// DriveLocation describes the network endpoints of one drive
type DriveLocation struct {
	WWN   string           `json:"wwn"`
	Inet4 []drive.Endpoint `json:"inet4"`
}

// DriveSecurity carries the credentials of one drive, merged into the
// location by wwn
type DriveSecurity struct {
	WWN    string `json:"wwn"`
	UserID int64  `json:"userId"`
	Key    string `json:"key"`
}

// Settings holds the library-wide parameters
type Settings struct {
	CacheCapacity          int64 `json:"cacheCapacity"`
	ReadaheadWindow        int   `json:"readaheadWindow"`
	MaxBackgroundIoThreads int   `json:"maxBackgroundIoThreads"`
	MaxBackgroundIoQueue   int   `json:"maxBackgroundIoQueue"`
}

// DriveRef names a drive belonging to a cluster
type DriveRef struct {
	WWN string `json:"wwn"`
}

// ClusterConfig describes one erasure-coded cluster
type ClusterConfig struct {
	ClusterID            string     `json:"clusterID"`
	NumData              int        `json:"numData"`
	NumParity            int        `json:"numParity"`
	ChunkSizeKB          int        `json:"chunkSizeKB"`
	MinReconnectInterval int        `json:"minReconnectInterval"` // seconds
	Timeout              int        `json:"timeout"`              // seconds
	Drives               []DriveRef `json:"drives"`
}

// MinReconnectDuration returns the reconnect rate limit as a duration
func (c *ClusterConfig) MinReconnectDuration() time.Duration {
	return time.Duration(c.MinReconnectInterval) * time.Second
}

// TimeoutDuration returns the operation timeout as a duration
func (c *ClusterConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ClusterDefinition is the document of EnvClusterDefinition
type ClusterDefinition struct {
	Configuration Settings        `json:"configuration"`
	Clusters      []ClusterConfig `json:"clusters"`
}

// Config is the complete library configuration
type Config struct {
	Locations  []DriveLocation
	Security   []DriveSecurity
	Definition ClusterDefinition
}

// LoadFromEnvironment reads and validates the configuration from the
// three environment variables
func LoadFromEnvironment() (*Config, error) {
	cfg := &Config{}

	doc, err := loadDocument(EnvDriveLocation)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &cfg.Locations); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EnvDriveLocation, err)
	}

	doc, err = loadDocument(EnvDriveSecurity)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &cfg.Security); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EnvDriveSecurity, err)
	}

	doc, err = loadDocument(EnvClusterDefinition)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &cfg.Definition); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EnvClusterDefinition, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadDocument resolves an environment variable that holds either a JSON
// document directly or the path to a file containing one
func loadDocument(name string) ([]byte, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return []byte(trimmed), nil
	}
	doc, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", name, trimmed, err)
	}
	return doc, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Locations) == 0 {
		return errors.New("no drive locations configured")
	}
	known := make(map[string]struct{}, len(c.Locations))
	for _, loc := range c.Locations {
		if loc.WWN == "" {
			return errors.New("drive location without wwn")
		}
		if len(loc.Inet4) == 0 {
			return fmt.Errorf("drive %s has no network endpoints", loc.WWN)
		}
		for _, ep := range loc.Inet4 {
			if ep.Host == "" {
				return fmt.Errorf("drive %s endpoint without host", loc.WWN)
			}
			if ep.Port <= 0 || ep.Port > 65535 {
				return fmt.Errorf("drive %s endpoint port %d out of range", loc.WWN, ep.Port)
			}
		}
		known[loc.WWN] = struct{}{}
	}
	for _, sec := range c.Security {
		if _, ok := known[sec.WWN]; !ok {
			return fmt.Errorf("security entry for unknown drive %s", sec.WWN)
		}
	}

	settings := c.Definition.Configuration
	if settings.CacheCapacity <= 0 {
		return errors.New("configuration.cacheCapacity must be positive")
	}
	if settings.ReadaheadWindow < 0 {
		return errors.New("configuration.readaheadWindow cannot be negative")
	}
	if settings.MaxBackgroundIoThreads < 0 {
		return errors.New("configuration.maxBackgroundIoThreads cannot be negative")
	}
	if settings.MaxBackgroundIoQueue < 0 {
		return errors.New("configuration.maxBackgroundIoQueue cannot be negative")
	}

	if len(c.Definition.Clusters) == 0 {
		return errors.New("no clusters configured")
	}
	seen := make(map[string]struct{}, len(c.Definition.Clusters))
	for _, cluster := range c.Definition.Clusters {
		if cluster.ClusterID == "" {
			return errors.New("cluster without clusterID")
		}
		if _, ok := seen[cluster.ClusterID]; ok {
			return fmt.Errorf("duplicate cluster id %s", cluster.ClusterID)
		}
		seen[cluster.ClusterID] = struct{}{}
		if cluster.NumData < 1 {
			return fmt.Errorf("cluster %s: numData must be at least 1", cluster.ClusterID)
		}
		if cluster.NumParity < 0 {
			return fmt.Errorf("cluster %s: numParity cannot be negative", cluster.ClusterID)
		}
		if len(cluster.Drives) < cluster.NumData+cluster.NumParity {
			return fmt.Errorf("cluster %s: %d drives cannot hold stripes of %d shards",
				cluster.ClusterID, len(cluster.Drives), cluster.NumData+cluster.NumParity)
		}
		if cluster.ChunkSizeKB <= 0 {
			return fmt.Errorf("cluster %s: chunkSizeKB must be positive", cluster.ClusterID)
		}
		if cluster.Timeout <= 0 {
			return fmt.Errorf("cluster %s: timeout must be positive", cluster.ClusterID)
		}
		if cluster.MinReconnectInterval < 0 {
			return fmt.Errorf("cluster %s: minReconnectInterval cannot be negative", cluster.ClusterID)
		}
		for _, ref := range cluster.Drives {
			if _, ok := known[ref.WWN]; !ok {
				return fmt.Errorf("cluster %s references unknown drive %s", cluster.ClusterID, ref.WWN)
			}
		}
	}
	return nil
}

// DriveOptions merges locations and security into per-drive endpoint
// pairs. Drives with a single endpoint use it for both primary and
// secondary.
func (c *Config) DriveOptions() map[string][2]drive.ConnectionOptions {
	security := make(map[string]DriveSecurity, len(c.Security))
	for _, sec := range c.Security {
		security[sec.WWN] = sec
	}

	options := make(map[string][2]drive.ConnectionOptions, len(c.Locations))
	for _, loc := range c.Locations {
		sec := security[loc.WWN]
		primary := drive.ConnectionOptions{
			Endpoint: loc.Inet4[0],
			UserID:   sec.UserID,
			Key:      sec.Key,
			WWN:      loc.WWN,
		}
		secondary := primary
		if len(loc.Inet4) > 1 {
			secondary.Endpoint = loc.Inet4[1]
		}
		options[loc.WWN] = [2]drive.ConnectionOptions{primary, secondary}
	}
	return options
}

// Cluster returns the configuration of the given cluster id
func (c *Config) Cluster(id string) (*ClusterConfig, bool) {
	for i := range c.Definition.Clusters {
		if c.Definition.Clusters[i].ClusterID == id {
			return &c.Definition.Clusters[i], true
		}
	}
	return nil, false
}
