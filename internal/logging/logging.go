// Package logging configures the process-wide log output: stdout plus an
// optional size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup points the stdlib logger at stdout and, when logFile is set, a
// rotating file. maxBytes and backups bound disk usage on devices with small
// storage; zero values fall back to 5 MB and 3 backups.
func Setup(logFile string, maxBytes int64, backups int) {
	log.SetFlags(log.LstdFlags | log.LUTC)
	if logFile == "" {
		log.SetOutput(os.Stdout)
		return
	}
	if dir := filepath.Dir(logFile); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	if maxBytes <= 0 {
		maxBytes = 5_000_000
	}
	if backups <= 0 {
		backups = 3
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    int(maxBytes / (1024 * 1024)),
		MaxBackups: backups,
	}
	if rotator.MaxSize <= 0 {
		rotator.MaxSize = 1
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}
