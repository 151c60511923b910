package external

import (
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"settingsync/config"
)

func InitSentry() {
	if config.Config.Sentry.DSN != "" {
		log.Infof("Sentry init")

		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Config.Sentry.DSN,
			Debug:            false,
			EnableTracing:    config.Config.Sentry.EnableTracing,
			TracesSampleRate: config.Config.Sentry.TracesSampleRate,
			SampleRate:       config.Config.Sentry.SampleRate,
			ServerName:       config.Config.Backend.Namespace,
		})
		if err != nil {
			log.Errorf("Sentry Init Failed: %s", err)
		}
	}
}

// FlushSentry waits for buffered events to be sent before exit
func FlushSentry() {
	if config.Config.Sentry.DSN != "" {
		sentry.Flush(2 * time.Second)
	}
}
