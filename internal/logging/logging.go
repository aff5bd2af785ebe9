// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Setup configures log level, format and an optional log file. The returned
// closer flushes and closes the log file, if one was opened.
func Setup(level string, logFile string) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if logFile == "" {
		return io.NopCloser(nil), nil
	}

	f, err := os.Create(logFile)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// HexField formats a PDU for structured log output.
func HexField(pdu []byte) string {
	return fmt.Sprintf("%x", pdu)
}

// CANIDRepr is the default string representation of a CAN arbitration id.
func CANIDRepr(id uint32) string {
	return fmt.Sprintf("%03x", id)
}
