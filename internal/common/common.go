package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderRequestID = "X-Request-ID"
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz    = "/healthz"
	PathAPITest    = "/api/test"
	PathRepost     = "/api/repost"
	PathStatus     = "/api/status"
	PathAuthStatus = "/api/auth/status"
	PathAuthToken  = "/api/auth/token"
	PathAuthLogout = "/api/auth/logout"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// Worker process environment variables
const (
	EnvJobID       = "REPOST_JOB_ID"
	EnvWorkDir     = "REPOST_WORK_DIR"
	EnvAccessToken = "INSTAGRAM_ACCESS_TOKEN" // #nosec G101 - variable name, not a credential
)

// Worker process flags
const (
	FlagSource   = "--source"
	FlagCaption  = "--caption"
	FlagHashtags = "--hashtags"
)

// Subdirectory names
const (
	WorkDirName = "work"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
