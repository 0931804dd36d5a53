package transport

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/1ureka/sigrelay/internal/util"
)

// loggerFactory routes pion's internal logging into the pterm logger. pion
// is chatty, so its info level is demoted to debug and its debug level to
// trace.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{scope: scope}
}

type scopedLogger struct {
	scope string
}

func (l scopedLogger) prefix(msg string) string { return "pion/" + l.scope + ": " + msg }

func (l scopedLogger) Trace(msg string) { util.LogTrace("%s", l.prefix(msg)) }
func (l scopedLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Debug(msg string) { util.LogTrace("%s", l.prefix(msg)) }
func (l scopedLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Info(msg string) { util.LogDebug("%s", l.prefix(msg)) }
func (l scopedLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Warn(msg string) { util.LogWarning("%s", l.prefix(msg)) }
func (l scopedLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Error(msg string) { util.LogError("%s", l.prefix(msg)) }
func (l scopedLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
