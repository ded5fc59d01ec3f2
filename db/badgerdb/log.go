package badgerdb

import (
	"fmt"
	"strings"

	"github.com/legacy-protocol/go-legacy/log"
)

// extendedLog adapts our logger to the badger.Logger interface so that
// badger internals log through the common sink.
type extendedLog struct {
	*log.Logger
}

func (l *extendedLog) Errorf(format string, args ...interface{}) {
	l.Error().Msg(trimNewline(format, args...))
}

func (l *extendedLog) Warningf(format string, args ...interface{}) {
	l.Warn().Msg(trimNewline(format, args...))
}

func (l *extendedLog) Infof(format string, args ...interface{}) {
	l.Info().Msg(trimNewline(format, args...))
}

func (l *extendedLog) Debugf(format string, args ...interface{}) {
	l.Debug().Msg(trimNewline(format, args...))
}

// badger appends a newline to every message, which garbles structured output
func trimNewline(format string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
