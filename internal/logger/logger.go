// Package logger is the process-wide structured logger. Output is JSON via
// slog; warnings and errors are sampled while their counters are not.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

var (
	Logger          *slog.Logger
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
)

// Counters for the metrics endpoint, incremented regardless of sampling.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total400Errors atomic.Int64
	Total404Errors atomic.Int64
	Total409Errors atomic.Int64
	SlowRequests   atomic.Int64
)

func init() {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = LevelInfo
	}
	programLevel.Set(level)

	// ERROR_SAMPLE_RATE=1 logs every warning and error; N logs one in N.
	errorSampleRate.Store(1)
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		errorSampleRate.Store(int32(rate))
	}

	SetOutput(os.Stdout)
}

// SetOutput redirects JSON log output to w.
func SetOutput(w io.Writer) {
	Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel}))
	slog.SetDefault(Logger)
}

// Configure applies a level name and warning/error sample rate. An empty
// level keeps the current level; a non-positive rate keeps the current rate.
func Configure(level string, sampleRate int) error {
	if level != "" {
		l, err := ParseLevel(level)
		if err != nil {
			return err
		}
		programLevel.Set(l)
	}
	if sampleRate > 0 {
		errorSampleRate.Store(int32(sampleRate))
	}
	return nil
}

// SetLevel sets the minimum log level.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level.
func GetLevel() slog.Level {
	return programLevel.Level()
}

// SampleRate returns the current warning/error sample rate.
func SampleRate() int {
	return int(errorSampleRate.Load())
}

// ParseLevel converts a level name to slog.Level. The empty string is INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a sampled warning.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs a sampled error.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs and exits.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

// ErrorHttp5xx counts a 5xx response.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a 4xx response.
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	case 409:
		Total409Errors.Add(1)
	}
}

// WarnSlowRequest counts a request over the slow threshold.
func WarnSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// Counters is a point-in-time copy of the log counters.
type Counters struct {
	Errors    int64 `json:"errors"`
	Warnings  int64 `json:"warnings"`
	HTTP5xx   int64 `json:"http_5xx"`
	HTTP4xx   int64 `json:"http_4xx"`
	HTTP400   int64 `json:"http_400"`
	HTTP404   int64 `json:"http_404"`
	HTTP409   int64 `json:"http_409"`
	SlowCalls int64 `json:"slow_requests"`
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	return Counters{
		Errors:    TotalErrors.Load(),
		Warnings:  TotalWarnings.Load(),
		HTTP5xx:   Total5xxErrors.Load(),
		HTTP4xx:   Total4xxErrors.Load(),
		HTTP400:   Total400Errors.Load(),
		HTTP404:   Total404Errors.Load(),
		HTTP409:   Total409Errors.Load(),
		SlowCalls: SlowRequests.Load(),
	}
}
