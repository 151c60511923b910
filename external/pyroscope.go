package external

import (
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"
	log "github.com/sirupsen/logrus"

	"settingsync/config"
)

func InitPyroscope() {
	settings := config.Config.Pyroscope
	if settings.ServerAddress == "" {
		return
	}
	log.Infof("Pyroscope starting")

	runtime.SetMutexProfileFraction(settings.MutexProfileFraction)
	runtime.SetBlockProfileRate(settings.BlockProfileRate)

	pyroscopeConfig := pyroscope.Config{
		ApplicationName: settings.ApplicationName,
		ServerAddress:   settings.ServerAddress,
		Tags: map[string]string{
			"hostname":  os.Getenv("HOSTNAME"),
			"namespace": config.Config.Backend.Namespace,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,

			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
		},
	}

	if settings.Logger {
		pyroscopeConfig.Logger = pyroscope.StandardLogger
	}

	if settings.ApiKey != "" {
		pyroscopeConfig.HTTPHeaders = map[string]string{
			"Authorization": "Bearer " + settings.ApiKey,
		}
	}

	if _, err := pyroscope.Start(pyroscopeConfig); err != nil {
		log.Errorf("Pyroscope Init Failed: %s", err)
	}
}
