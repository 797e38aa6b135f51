// Package instance names the running process in logs and scheduler locks.
package instance

import (
	"os"

	"github.com/angelmondragon/bookshop-backend/pkg/env"
)

// ID returns the configured instance id, the platform dyno name or the
// hostname, in that order.
func ID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return env.First(host, "BOOKSHOP_INSTANCE_ID", "DYNO")
}
