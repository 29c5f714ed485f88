package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey           = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderRequestID        = "X-Request-ID"
	ContentTypeJSON        = "application/json"
	ContentTypeOctet       = "application/octet-stream"
	ContentTypeMultipart   = "multipart/form-data"
	ContentTypeVideoPrefix = "video/"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathJobs      = "/v1/jobs"
	PathArtifacts = "/artifacts"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
)

// MIME types accepted for intake.
const (
	MimeVideoMP4       = "video/mp4"
	MimeVideoQuickTime = "video/quicktime"
	MimeVideoWebM      = "video/webm"
	MimeVideoMatroska  = "video/x-matroska"
	MimeVideoAVI       = "video/x-msvideo"
)

// Subdirectory names
const (
	UploadsDirName   = "uploads"
	ProcessedDirName = "processed"
	ArtifactsDirName = "artifacts"
)

// Multipart form fields shared by the submission API and the engine wire format.
const (
	FormFieldFile        = "file"
	FormFieldPrompt      = "prompt"
	FormFieldCallbackURL = "callback_url"
	FormFieldInputRef    = "input_ref"
	FormFieldActions     = "actions"
	FormFieldInputURL    = "input_url"
	FormFieldJobID       = "job_id"
)
