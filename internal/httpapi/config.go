package httpapi

import "time"

// maxBodyBytes bounds a job envelope. The default holds a 25 MB document
// encoded as base64 plus the rest of the envelope.
const defaultMaxBodyBytes int64 = 36 << 20

var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes configures the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// BodyLimitFor returns a body limit large enough for a base64 document of
// docBytes plus envelope overhead.
func BodyLimitFor(docBytes int64) int64 {
	if docBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return docBytes*4/3 + 1<<20
}

// jobTimeout bounds a /runsync job. Zero means no timeout beyond the
// server's own.
var jobTimeout time.Duration

// SetJobTimeout sets the /runsync timeout (0 disables).
func SetJobTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	jobTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
