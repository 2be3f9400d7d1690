package config

import "time"

// Pool defaults. Zero workers means one per CPU.
const (
	DefaultPoolWorkers         = 0
	DefaultPoolShutdown        = "drain"
	DefaultPoolShutdownTimeout = 30 * time.Second
)

// Fetch defaults.
const (
	DefaultFetchBatchSize       = 100
	DefaultFetchDepotPath       = "//..."
	DefaultFetchIncludeBinaries = true
	DefaultFetchLookahead       = 2
)

// Storage defaults. An empty directory means a private temporary directory.
const (
	DefaultStorageDir      = ""
	DefaultStorageCompress = false
)

// Logging defaults.
const (
	DefaultLoggingLevel  = "info"
	DefaultLoggingFormat = "text"
)

// Observability defaults. An empty endpoint disables OTLP export and an
// empty address disables the Prometheus scrape endpoint.
const (
	DefaultObservabilityOTLPEndpoint = ""
	DefaultObservabilityOTLPInsecure = false
	DefaultObservabilityMetricsAddr  = ""
	DefaultObservabilitySampleRatio  = 1.0
)
