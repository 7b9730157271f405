// Package kineticio presents a POSIX-like file interface over clusters of
// network-attached key/value drives. Values are transparently sharded,
// erasure coded and recovered across drives that may fail independently.
package kineticio

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/plensing/kineticio/internal/cache"
	"github.com/plensing/kineticio/internal/config"
	"github.com/plensing/kineticio/internal/drive"
	kerrors "github.com/plensing/kineticio/internal/errors"
	"github.com/plensing/kineticio/internal/metrics"
	"github.com/plensing/kineticio/internal/watcher"
)

// Dialer opens the wire session to a single drive endpoint. The wire
// protocol itself is supplied by a lower layer; embedders register their
// transport here.
type Dialer = drive.Dialer

// Config is the parsed library configuration; see LoadConfiguration
type Config = config.Config

// LoadConfiguration reads the configuration from the KINETIC_* environment
// variables
func LoadConfiguration() (*Config, error) {
	return config.LoadFromEnvironment()
}

// Library is the process-wide container tying configuration, cluster map,
// data cache and socket watcher together. It outlives every FileIo created
// from it.
type Library struct {
	mu      sync.Mutex
	cfg     *config.Config
	cmap    *ClusterMap
	cache   *cache.DataCache
	watcher *watcher.SocketWatcher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Library
type Option func(*libraryOptions)

type libraryOptions struct {
	registerer prometheus.Registerer
	logger     *zap.Logger
}

// WithRegisterer registers the library metrics against the given
// registerer instead of leaving them unregistered
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *libraryOptions) { o.registerer = reg }
}

// WithLogger sets the logger, zap.NewNop by default
func WithLogger(logger *zap.Logger) Option {
	return func(o *libraryOptions) { o.logger = logger }
}

// NewLibrary builds a library instance from an explicit configuration and
// drive transport. The process-wide Instance is the common entry point;
// this constructor serves embedders and tests.
func NewLibrary(cfg *config.Config, dial Dialer, opts ...Option) (*Library, error) {
	if cfg == nil {
		return nil, kerrors.New(kerrors.CodeInvalidArgument, "no configuration supplied")
	}
	if dial == nil {
		return nil, kerrors.New(kerrors.CodeNotConnected, "no drive transport registered")
	}
	options := libraryOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	var m *metrics.Metrics
	if options.registerer != nil {
		m = metrics.New(options.registerer)
	}

	settings := cfg.Definition.Configuration
	dataCache, err := cache.New(
		cacheTargetSize(settings.CacheCapacity),
		settings.CacheCapacity,
		settings.MaxBackgroundIoThreads,
		settings.MaxBackgroundIoQueue,
		settings.ReadaheadWindow,
		options.logger, m)
	if err != nil {
		return nil, err
	}

	w := watcher.New(options.logger)
	l := &Library{
		cfg:     cfg,
		cache:   dataCache,
		watcher: w,
		logger:  options.logger,
		metrics: m,
	}
	l.cmap = newClusterMap(cfg, dial, w, options.logger, m)
	return l, nil
}

// cacheTargetSize derives the soft eviction target from the hard capacity
func cacheTargetSize(capacity int64) int64 {
	return capacity * 70 / 100
}

// Reload swaps in a freshly loaded configuration, reconfiguring the cache
// in place and rebuilding the cluster map
func (l *Library) Reload(cfg *config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()

	settings := cfg.Definition.Configuration
	l.cache.ChangeConfiguration(
		cacheTargetSize(settings.CacheCapacity),
		settings.CacheCapacity,
		settings.MaxBackgroundIoThreads,
		settings.MaxBackgroundIoQueue,
		settings.ReadaheadWindow)
	l.cmap.reset(cfg)
	l.logger.Info("Configuration reloaded")
}

// Close releases clusters, cache workers and the socket watcher. Open
// FileIo objects must be closed first.
func (l *Library) Close() {
	l.cmap.close()
	l.cache.Close()
	l.watcher.Close()
}

// ClusterMap exposes the cluster facades, e.g. for capacity inspection
func (l *Library) ClusterMap() *ClusterMap {
	return l.cmap
}

// process-wide instance, lazily initialized from the environment
var (
	globalMu        sync.Mutex
	globalInstance  *Library
	globalTransport Dialer
)

// RegisterTransport installs the drive transport used by the process-wide
// instance. Must be called before the first Instance call.
func RegisterTransport(dial Dialer) {
	globalMu.Lock()
	globalTransport = dial
	globalMu.Unlock()
}

// Instance returns the process-wide library, building it from the
// environment on first use
func Instance() (*Library, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInstance != nil {
		return globalInstance, nil
	}
	if globalTransport == nil {
		return nil, kerrors.New(kerrors.CodeNotConnected, "no drive transport registered")
	}
	cfg, err := config.LoadFromEnvironment()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeInvalidArgument, "loading configuration", err)
	}
	lib, err := NewLibrary(cfg, globalTransport)
	if err != nil {
		return nil, err
	}
	globalInstance = lib
	return globalInstance, nil
}

// ReloadConfiguration re-reads the environment and reconfigures the
// process-wide instance
func ReloadConfiguration() error {
	globalMu.Lock()
	lib := globalInstance
	globalMu.Unlock()
	if lib == nil {
		_, err := Instance()
		return err
	}
	cfg, err := config.LoadFromEnvironment()
	if err != nil {
		return kerrors.Wrap(kerrors.CodeInvalidArgument, "loading configuration", err)
	}
	lib.Reload(cfg)
	return nil
}
