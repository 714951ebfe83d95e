// Package testlog switches the process logger to the test profile and
// brackets each test with start/end lines.
package testlog

import (
	"testing"

	"github.com/danmuck/labwatch/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test.start")
	t.Cleanup(func() {
		log.Info().Str("test", t.Name()).Bool("failed", t.Failed()).Msg("test.end")
	})
}
