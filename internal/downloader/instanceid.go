package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a unique string for this process (hostname+pid+random). It tags
// the logs of one process so records failed by FailInterrupted can be traced to the run that
// left them behind.
func GenerateInstanceID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
