package instance

import (
	"os"

	"github.com/google/uuid"
)

// ID identifies the replica serving a request. An explicit override wins,
// then the hostname (the container id under Docker), then a random id that
// stays stable for the life of the process.
func ID(override string) string {
	if override != "" {
		return override
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance-" + uuid.NewString()[:8]
}
