package constants

import "time"

// Long-poll and connection defaults
const (
	DefaultLongPollTimeoutSec    = 35
	DefaultLongPollGuardSec      = 1200
	DefaultLongPollGuardSlackSec = 5
	DefaultStallThresholdSec     = 120
	DefaultStallMarginSec        = 10
	DefaultCheckLimit            = 5
	DefaultStartupMaxAttempts    = 10
	DefaultHeartbeatTimeoutSec   = 15
	DefaultGracefulShutdownSec   = 10
	DefaultReconnectAttempts     = 5
	DefaultErrorPauseSec         = 5
	DefaultMinPollInterval       = 1 * time.Second
)

// Health monitor defaults
const (
	DefaultHealthCheckIntervalSec = 60
	DefaultHealthMaxFailures      = 3
	DefaultHealthProbeTimeoutSec  = 10
)

// Retry, dead-letter and cleanup defaults
const (
	DefaultMaxRetries              = 5
	DefaultMessageTimeoutSec       = 300
	DefaultRetrySweepIntervalSec   = 30
	DefaultCleanupIntervalHours    = 1
	DefaultRetentionHours          = 24
	DefaultBacklogCheckIntervalSec = 60
	DefaultSendAttempts            = 3
	DefaultPendingBatchSize        = 50
)

// Backoff defaults
const (
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 300 * time.Second
	DefaultBackoffMultiplier = 2.0
	MinBackoffDelay          = 100 * time.Millisecond
	BackoffJitterFraction    = 0.25
)

// Database defaults
const (
	DefaultDBPath                = "./data/ax-monitor.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
	DefaultBusyTimeoutMs         = 5000
	EncryptionSalt               = "ax-monitor-store-v1"
)

// Privacy settings
const (
	DefaultMessageIDLength = 8
	DefaultTokenMaskLength = 4
	DefaultPreviewLength   = 80
)
