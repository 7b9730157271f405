// Package drive defines the wire contract of the key/value drive protocol.
// The actual framing is supplied by a lower layer; this library only consumes
// the asynchronous Connection interface below.
package drive

// ChecksumAlgorithm identifies the checksum algorithm of a record tag
type ChecksumAlgorithm int

const (
	// ChecksumCRC32 tags are the ASCII decimal of crc32(value)
	ChecksumCRC32 ChecksumAlgorithm = iota
)

// WriteMode controls version checking on put and delete operations
type WriteMode int

const (
	// RequireSameVersion fails the write with REMOTE_VERSION_MISMATCH if the
	// stored version differs from the supplied one
	RequireSameVersion WriteMode = iota
	// IgnoreVersion forcibly overwrites whatever is stored
	IgnoreVersion
)

// PersistMode controls drive-side durability of a write
type PersistMode int

const (
	WriteBack PersistMode = iota
	WriteThrough
)

// LogType selects the sections of a drive log to retrieve
type LogType int

const (
	LogCapacities LogType = iota
	LogLimits
)

// Record is a single stored entry on a drive
type Record struct {
	Value     []byte
	Version   []byte
	Tag       string
	Algorithm ChecksumAlgorithm
}

// Capacity describes the utilization of a single drive
type Capacity struct {
	NominalCapacityBytes uint64
	PortionFull          float64
}

// Limits describes the per-entry size limits of a single drive
type Limits struct {
	MaxKeySize     int64
	MaxValueSize   int64
	MaxVersionSize int64
}

// Log is the response to a GetLog operation
type Log struct {
	Capacity Capacity
	Limits   Limits
}

// HandlerKey identifies an in-flight async operation on a connection
type HandlerKey uint64

// Callback types. Callbacks only ever fire from within Run.
type (
	GetCallback        func(status Status, record *Record)
	GetVersionCallback func(status Status, version []byte)
	PutCallback        func(status Status)
	DeleteCallback     func(status Status)
	RangeCallback      func(status Status, keys [][]byte)
	GetLogCallback     func(status Status, log *Log)
	NoOpCallback       func(status Status)
)

// Connection is a nonblocking session to a single drive. Many operations may
// be in flight concurrently; submission is safe from any goroutine. Results
// are demultiplexed by handler key and delivered through the registered
// callbacks when Run is called.
//
// Run processes all completions that have arrived since the last call and
// reports false when the session is broken. A broken session completes every
// outstanding handler with a connection-error status before Run returns.
// Readiness is signaled whenever completions are waiting for a Run call;
// the channel is closed when the connection is closed.
type Connection interface {
	Get(key []byte, cb GetCallback) HandlerKey
	GetVersion(key []byte, cb GetVersionCallback) HandlerKey
	Put(key, previous []byte, mode WriteMode, record *Record, cb PutCallback, persist PersistMode) HandlerKey
	Delete(key, previous []byte, mode WriteMode, cb DeleteCallback, persist PersistMode) HandlerKey
	GetKeyRange(start, end []byte, startInclusive, endInclusive, reverse bool, max int, cb RangeCallback) HandlerKey
	GetLog(types []LogType, cb GetLogCallback) HandlerKey
	NoOp(cb NoOpCallback) HandlerKey

	// RemoveHandler cancels delivery for an outstanding operation
	RemoveHandler(key HandlerKey)

	Run() bool
	Fd() int
	Readiness() <-chan struct{}
	Close() error
}

// Endpoint is one network interface of a drive
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ConnectionOptions carries everything needed to open a session to one
// drive endpoint
type ConnectionOptions struct {
	Endpoint Endpoint
	UserID   int64
	Key      string
	WWN      string
}

// Dialer opens a session to a single drive endpoint
type Dialer func(options ConnectionOptions) (Connection, error)
