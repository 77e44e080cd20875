// Package logging applies level, format and output settings to a logrus logger
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config represents the logging settings
type Config struct {
	Level  string
	Format string

	// File is stdout, stderr, or a path
	File string

	// MaxSizeMB > 0 rotates File internally once it reaches this size.
	// Otherwise File is left for an external logrotate, and reopened on SIGHUP.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Output is where log lines go. Reopen starts a fresh file where that makes sense.
type Output interface {
	io.WriteCloser
	Reopen() error
}

type stdOutput struct {
	io.Writer
}

func (stdOutput) Close() error  { return nil }
func (stdOutput) Reopen() error { return nil }

type rotatingOutput struct {
	*lumberjack.Logger
}

func (r rotatingOutput) Reopen() error {
	return r.Rotate()
}

// ParseLevel accepts trace, debug, info, warn, error, fatal or panic
func ParseLevel(s string) (log.Level, error) {

	switch strings.ToLower(s) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	}

	return log.InfoLevel, fmt.Errorf("log level can be trace, debug, info, warn, error, fatal or panic but not %q", s)
}

// ParseFormat accepts json or text
func ParseFormat(s string) (log.Formatter, error) {

	switch strings.ToLower(s) {
	case "json":
		return &log.JSONFormatter{}, nil
	case "text":
		return &log.TextFormatter{}, nil
	}

	return nil, fmt.Errorf("log format can be json or text but not %q", s)
}

// Open returns the Output named by c.File
func Open(c Config) (Output, error) {

	switch strings.ToLower(c.File) {
	case "", "stdout":
		return stdOutput{os.Stdout}, nil
	case "stderr":
		return stdOutput{os.Stderr}, nil
	}

	if c.MaxSizeMB > 0 {
		return rotatingOutput{&lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}}, nil
	}

	f, err := reopen.NewFileWriter(c.File)

	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", c.File, err)
	}

	return f, nil
}

// Configure sets the level, format and output of logger. The caller
// closes the returned Output when done logging.
func Configure(logger *log.Logger, c Config) (Output, error) {

	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	formatter, err := ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}

	out, err := Open(c)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)

	return out, nil
}

// ReopenOnHUP reopens out each time the process receives SIGHUP, until ctx is done
func ReopenOnHUP(ctx context.Context, out Output, logger *log.Entry) {

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := out.Reopen(); err != nil {
				logger.WithField("error", err.Error()).Error("cannot reopen log file")
				continue
			}
			logger.Info("log file reopened")
		}
	}
}
