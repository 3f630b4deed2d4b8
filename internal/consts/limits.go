package consts

import "time"

// Channel protocol
const (
	// ProjectMessageTopic is the single logical topic carrying chat traffic for a project
	ProjectMessageTopic = "project-message"
	// AssistantID is the reserved participant id of the scripted assistant
	AssistantID = "ai"
	// AssistantMention triggers an assistant reply when present in a chat message
	AssistantMention = "@ai"
)

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Mailbox and queue sizes
const (
	// ChannelQueueSize is the outbound/inbound queue length per channel connection
	ChannelQueueSize = 256
	// SessionMailboxSize is the mailbox length of a session controller
	SessionMailboxSize = 512
	// ProcessOutputQueueSize is the number of output chunks buffered per sandbox process
	ProcessOutputQueueSize = 128
)

// Display limits
const (
	// DegradedExcerptRunes is the maximum raw excerpt shown for an unparseable assistant turn
	DegradedExcerptRunes = 200
	// MaxDiagnosticOutputBytes caps the install/start output retained for error reports
	MaxDiagnosticOutputBytes = 64 * 1024
)

// Timeouts for various operations
const (
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// Execution defaults
const (
	// DefaultInstallTimeout bounds the dependency installation step
	DefaultInstallTimeout = Timeout60Seconds
	// DefaultManifestFile gates the install step
	DefaultManifestFile = "package.json"
	// PersistTimeout bounds a single file-tree push to the persistence service
	PersistTimeout = Timeout30Seconds
)
