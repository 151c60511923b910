package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"settingsync/config"
)

var lumberjackLogger *lumberjack.Logger

func SetupLogger(logLevel log.Level, fileLoggingEnabled bool) {
	var output io.Writer = os.Stdout
	if fileLoggingEnabled {
		lumberjackLogger = &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash("logs/settingsync.log"),
			MaxSize:    config.Config.Logging.MaxSize, // MB
			MaxBackups: config.Config.Logging.MaxBackups,
			MaxAge:     config.Config.Logging.MaxAge, // days
			Compress:   config.Config.Logging.Compress,
		}
		// Fork writing into two outputs
		output = io.MultiWriter(os.Stdout, lumberjackLogger)
	}

	logFormatter := new(PlainFormatter)
	logFormatter.TimestampFormat = "2006-01-02 15:04:05"
	logFormatter.LevelDesc = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRCE"}

	log.SetFormatter(logFormatter)
	log.SetLevel(logLevel)
	log.SetOutput(output)
}

func RotateLogs() {
	if lumberjackLogger != nil {
		_ = lumberjackLogger.Rotate()
	}
}

type PlainFormatter struct {
	TimestampFormat string
	LevelDesc       []string
}

func (f *PlainFormatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)
	return []byte(fmt.Sprintf("%s %s %s\n", f.LevelDesc[entry.Level], timestamp, entry.Message)), nil
}
