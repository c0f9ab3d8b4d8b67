package qstore

import "time"

// Config holds the recognized configuration options of spec.md §6.
// It is built with functional options, the same builder idiom the
// teacher uses for its own Client options, rather than a config-file
// library: nothing in this core reads configuration from disk.
type Config struct {
	ChannelSize            int
	ProofTimeout           time.Duration
	BatchRequestNumPeers   int
	BatchRequestTimeout    time.Duration
	MaxExecutionRoundLag   Round
	MaxBatchSize           int
	MemoryQuota            int
	DBQuota                int
	PersistCodec           Codec
	BatchRequestMaxRetries int
}

// DefaultConfig returns sane defaults, overridable via Opt values.
func DefaultConfig() Config {
	return Config{
		ChannelSize:            256,
		ProofTimeout:           2 * time.Second,
		BatchRequestNumPeers:   3,
		BatchRequestTimeout:    500 * time.Millisecond,
		MaxExecutionRoundLag:   20,
		MaxBatchSize:           4 << 20, // 4 MiB
		MemoryQuota:            256 << 20,
		DBQuota:                1 << 30,
		PersistCodec:           CodecSnappy,
		BatchRequestMaxRetries: 3,
	}
}

// Opt configures a Config in place.
type Opt func(*Config)

// WithChannelSize sets the bounded depth of every inter-actor queue.
func WithChannelSize(n int) Opt { return func(c *Config) { c.ChannelSize = n } }

// WithProofTimeout sets the deadline for quorum aggregation per digest.
func WithProofTimeout(d time.Duration) Opt { return func(c *Config) { c.ProofTimeout = d } }

// WithBatchRequestNumPeers sets the fan-out of peer fetches.
func WithBatchRequestNumPeers(n int) Opt { return func(c *Config) { c.BatchRequestNumPeers = n } }

// WithBatchRequestTimeout sets the per-attempt peer-fetch timeout.
func WithBatchRequestTimeout(d time.Duration) Opt {
	return func(c *Config) { c.BatchRequestTimeout = d }
}

// WithMaxExecutionRoundLag sets the GC lag in rounds after expiration.
func WithMaxExecutionRoundLag(r Round) Opt {
	return func(c *Config) { c.MaxExecutionRoundLag = r }
}

// WithMaxBatchSize sets the upper bound on bytes per assembled batch.
func WithMaxBatchSize(n int) Opt { return func(c *Config) { c.MaxBatchSize = n } }

// WithMemoryQuota sets the cap on cached decoded payload bytes.
func WithMemoryQuota(n int) Opt { return func(c *Config) { c.MemoryQuota = n } }

// WithDBQuota sets the cap on persisted payload bytes.
func WithDBQuota(n int) Opt { return func(c *Config) { c.DBQuota = n } }

// WithPersistCodec sets the compression codec applied before a batch
// reaches the DB.
func WithPersistCodec(codec Codec) Opt { return func(c *Config) { c.PersistCodec = codec } }

// WithBatchRequestMaxRetries bounds how many escalation rounds a peer
// fetch tries before giving up with NotFound.
func WithBatchRequestMaxRetries(n int) Opt {
	return func(c *Config) { c.BatchRequestMaxRetries = n }
}

// NewConfig builds a Config from DefaultConfig with opts applied.
func NewConfig(opts ...Opt) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
