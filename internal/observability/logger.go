package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the process-wide logger with the app name.
// Call after logging.Configure so the configured writer and level are kept.
func InitLogger(app string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a child of the global logger scoped to one component.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
