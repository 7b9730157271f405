package kineticio

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/cluster"
	"github.com/plensing/kineticio/internal/codec"
	"github.com/plensing/kineticio/internal/config"
	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/metrics"
	"github.com/plensing/kineticio/internal/watcher"
)

// ClusterMap provides lazily-built cluster facades by id. Codec providers
// are shared between clusters of the same stripe geometry, and all drive
// connections share one socket watcher.
type ClusterMap struct {
	mu       sync.Mutex
	cfg      *config.Config
	clusters map[string]*cluster.Cluster
	codecs   map[string]*codec.Provider
	watcher  *watcher.SocketWatcher
	dial     drive.Dialer
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func newClusterMap(cfg *config.Config, dial drive.Dialer, w *watcher.SocketWatcher, logger *zap.Logger, m *metrics.Metrics) *ClusterMap {
	return &ClusterMap{
		cfg:      cfg,
		clusters: make(map[string]*cluster.Cluster),
		codecs:   make(map[string]*codec.Provider),
		watcher:  w,
		dial:     dial,
		logger:   logger,
		metrics:  m,
	}
}

// GetCluster returns the cluster facade for the id, building it on first
// use. Unknown ids fail with a no-device error.
func (m *ClusterMap) GetCluster(id string) (*cluster.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clusters[id]; ok {
		return c, nil
	}
	info, ok := m.cfg.Cluster(id)
	if !ok {
		return nil, kerrors.Newf(kerrors.CodeNoDevice, "no cluster '%s' in configuration", id)
	}

	cdc, err := m.codecProviderLocked(info.NumData, info.NumParity)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeInternal, "building redundancy codec", err)
	}

	options := m.cfg.DriveOptions()
	drives := make([][2]drive.ConnectionOptions, 0, len(info.Drives))
	for _, ref := range info.Drives {
		opts, ok := options[ref.WWN]
		if !ok {
			return nil, kerrors.Newf(kerrors.CodeNoDevice, "cluster '%s' references unknown drive %s", id, ref.WWN)
		}
		drives = append(drives, opts)
	}

	c, err := cluster.New(cluster.Config{
		ID:                   id,
		NumData:              info.NumData,
		NumParity:            info.NumParity,
		Drives:               drives,
		MinReconnectInterval: info.MinReconnectDuration(),
		OperationTimeout:     info.TimeoutDuration(),
	}, cdc, m.watcher, m.dial, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.clusters[id] = c
	return c, nil
}

// codecProviderLocked returns the shared codec provider of the geometry.
// Callers hold m.mu.
func (m *ClusterMap) codecProviderLocked(numData, numParity int) (*codec.Provider, error) {
	key := fmt.Sprintf("%d-%d", numData, numParity)
	if p, ok := m.codecs[key]; ok {
		return p, nil
	}
	p, err := codec.New(numData, numParity)
	if err != nil {
		return nil, err
	}
	m.codecs[key] = p
	return p, nil
}

// reset swaps in a new configuration. Existing cluster facades are closed;
// files opened against them stay bound to the old instances until closed.
func (m *ClusterMap) reset(cfg *config.Config) {
	m.mu.Lock()
	old := m.clusters
	m.cfg = cfg
	m.clusters = make(map[string]*cluster.Cluster)
	m.mu.Unlock()

	for _, c := range old {
		_ = c.Close()
	}
}

// close releases all cluster facades
func (m *ClusterMap) close() {
	m.mu.Lock()
	clusters := m.clusters
	m.clusters = make(map[string]*cluster.Cluster)
	m.mu.Unlock()

	for _, c := range clusters {
		_ = c.Close()
	}
}
