package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init sets the global log level. Unknown values fall back to info.
func Init(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		log = log.Level(zerolog.DebugLevel)
	case "warn":
		log = log.Level(zerolog.WarnLevel)
	case "error":
		log = log.Level(zerolog.ErrorLevel)
	default:
		log = log.Level(zerolog.InfoLevel)
	}
}

func emit(evt *zerolog.Event, component, msg string, fields map[string]interface{}) {
	evt = evt.Str("component", component)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}

func DebugC(component, msg string) {
	emit(log.Debug(), component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(log.Debug(), component, msg, fields)
}

func InfoC(component, msg string) {
	emit(log.Info(), component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(log.Info(), component, msg, fields)
}

func WarnC(component, msg string) {
	emit(log.Warn(), component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(log.Warn(), component, msg, fields)
}

func ErrorC(component, msg string) {
	emit(log.Error(), component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(log.Error(), component, msg, fields)
}
