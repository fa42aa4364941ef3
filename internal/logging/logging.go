package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup configures the process-wide logger. JSON output with ISO 8601
// timestamps; debug level outside production.
func Setup(env string) {
	log.SetFormatter(&log.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	log.SetOutput(os.Stdout)
	if env == "prod" {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}
}
