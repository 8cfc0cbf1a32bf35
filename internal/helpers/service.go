package helpers

import (
	"os"
)

// GetHostName identifies this gateway instance in MQ envelopes; falls back to "localhost".
func GetHostName() string {
	hostName, err := os.Hostname()
	if err != nil || hostName == "" {
		return "localhost"
	}
	return hostName
}
