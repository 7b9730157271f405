package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plensing/kineticio/internal/config"
)

const locationsDoc = `[
  {"wwn": "wwn-1", "inet4": [{"host": "drive1-if1", "port": 8123}, {"host": "drive1-if2", "port": 8123}]},
  {"wwn": "wwn-2", "inet4": [{"host": "drive2-if1", "port": 8123}]},
  {"wwn": "wwn-3", "inet4": [{"host": "drive3-if1", "port": 8123}]}
]`

const securityDoc = `[
  {"wwn": "wwn-1", "userId": 1, "key": "asdfasdf"},
  {"wwn": "wwn-2", "userId": 1, "key": "asdfasdf"},
  {"wwn": "wwn-3", "userId": 1, "key": "asdfasdf"}
]`

const clusterDoc = `{
  "configuration": {
    "cacheCapacity": 1048576,
    "readaheadWindow": 8,
    "maxBackgroundIoThreads": 2,
    "maxBackgroundIoQueue": 16
  },
  "clusters": [
    {
      "clusterID": "testcluster",
      "numData": 2,
      "numParity": 1,
      "chunkSizeKB": 1024,
      "minReconnectInterval": 2,
      "timeout": 5,
      "drives": [{"wwn": "wwn-1"}, {"wwn": "wwn-2"}, {"wwn": "wwn-3"}]
    }
  ]
}`

func setEnvironment(t *testing.T, locations, security, clusters string) {
	t.Helper()
	t.Setenv(config.EnvDriveLocation, locations)
	t.Setenv(config.EnvDriveSecurity, security)
	t.Setenv(config.EnvClusterDefinition, clusters)
}

func TestLoadFromEnvironmentInline(t *testing.T) {
	setEnvironment(t, locationsDoc, securityDoc, clusterDoc)

	cfg, err := config.LoadFromEnvironment()
	require.NoError(t, err)

	assert.Len(t, cfg.Locations, 3)
	assert.Len(t, cfg.Security, 3)
	require.Len(t, cfg.Definition.Clusters, 1)

	cl := cfg.Definition.Clusters[0]
	assert.Equal(t, "testcluster", cl.ClusterID)
	assert.Equal(t, 2, cl.NumData)
	assert.Equal(t, 1, cl.NumParity)
	assert.Equal(t, int64(1048576), cfg.Definition.Configuration.CacheCapacity)
}

func TestLoadFromEnvironmentFilePaths(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	setEnvironment(t,
		write("locations.json", locationsDoc),
		write("security.json", securityDoc),
		write("cluster.json", clusterDoc))

	cfg, err := config.LoadFromEnvironment()
	require.NoError(t, err)
	assert.Len(t, cfg.Locations, 3)
}

func TestLoadFailsWithoutEnvironment(t *testing.T) {
	setEnvironment(t, locationsDoc, securityDoc, clusterDoc)
	t.Setenv(config.EnvClusterDefinition, "")
	_, err := config.LoadFromEnvironment()
	assert.Error(t, err)
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	setEnvironment(t, locationsDoc, securityDoc, "/does/not/exist.json")
	_, err := config.LoadFromEnvironment()
	assert.Error(t, err)
}

func TestValidateCatchesBrokenConfigurations(t *testing.T) {
	tests := []struct {
		name      string
		locations string
		security  string
		clusters  string
	}{
		{
			name:      "cluster references unknown drive",
			locations: `[{"wwn": "wwn-1", "inet4": [{"host": "h", "port": 8123}]}]`,
			security:  `[]`,
			clusters: `{"configuration": {"cacheCapacity": 1024},
				"clusters": [{"clusterID": "c", "numData": 1, "numParity": 0, "chunkSizeKB": 1,
				"timeout": 5, "drives": [{"wwn": "missing"}]}]}`,
		},
		{
			name:      "too few drives for stripe",
			locations: `[{"wwn": "wwn-1", "inet4": [{"host": "h", "port": 8123}]}]`,
			security:  `[]`,
			clusters: `{"configuration": {"cacheCapacity": 1024},
				"clusters": [{"clusterID": "c", "numData": 2, "numParity": 1, "chunkSizeKB": 1,
				"timeout": 5, "drives": [{"wwn": "wwn-1"}]}]}`,
		},
		{
			name:      "drive without endpoint",
			locations: `[{"wwn": "wwn-1", "inet4": []}]`,
			security:  `[]`,
			clusters:  clusterDoc,
		},
		{
			name:      "missing cache capacity",
			locations: locationsDoc,
			security:  securityDoc,
			clusters: `{"configuration": {},
				"clusters": [{"clusterID": "c", "numData": 1, "numParity": 0, "chunkSizeKB": 1,
				"timeout": 5, "drives": [{"wwn": "wwn-1"}]}]}`,
		},
		{
			name:      "duplicate cluster id",
			locations: locationsDoc,
			security:  securityDoc,
			clusters: `{"configuration": {"cacheCapacity": 1024},
				"clusters": [
				{"clusterID": "c", "numData": 1, "numParity": 0, "chunkSizeKB": 1, "timeout": 5, "drives": [{"wwn": "wwn-1"}]},
				{"clusterID": "c", "numData": 1, "numParity": 0, "chunkSizeKB": 1, "timeout": 5, "drives": [{"wwn": "wwn-2"}]}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvironment(t, tt.locations, tt.security, tt.clusters)
			_, err := config.LoadFromEnvironment()
			assert.Error(t, err)
		})
	}
}

func TestDriveOptionsMergesSecurityByWWN(t *testing.T) {
	setEnvironment(t, locationsDoc, securityDoc, clusterDoc)
	cfg, err := config.LoadFromEnvironment()
	require.NoError(t, err)

	options := cfg.DriveOptions()
	require.Len(t, options, 3)

	first := options["wwn-1"]
	assert.Equal(t, "drive1-if1", first[0].Endpoint.Host)
	assert.Equal(t, "drive1-if2", first[1].Endpoint.Host)
	assert.Equal(t, int64(1), first[0].UserID)
	assert.Equal(t, "asdfasdf", first[0].Key)

	// a single-interface drive uses the same endpoint twice
	second := options["wwn-2"]
	assert.Equal(t, second[0].Endpoint, second[1].Endpoint)
}

func TestClusterLookup(t *testing.T) {
	setEnvironment(t, locationsDoc, securityDoc, clusterDoc)
	cfg, err := config.LoadFromEnvironment()
	require.NoError(t, err)

	_, ok := cfg.Cluster("testcluster")
	assert.True(t, ok)
	_, ok = cfg.Cluster("unknown")
	assert.False(t, ok)
}
