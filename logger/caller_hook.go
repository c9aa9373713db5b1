package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// frames below the caller that always belong to the logging machinery
const callerSkipFrames = 6

// wrapped packages whose frames are never the interesting call site
var callerIgnorePrefixes = []string{"sirupsen/logrus", "stockflow/logger"}

// callerHook rewrites the caller recorded on each entry so log lines
// point at the code that logged, not at the wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := callSite(); ok {
		entry.Caller = frame
	}
	return nil
}

// callSite walks up the stack past the logging machinery and returns the
// first frame that belongs to application code.
func callSite() (*runtime.Frame, bool) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(callerSkipFrames, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !ignoredFrame(frame.Function) {
			return &frame, true
		}
		if !more {
			return nil, false
		}
	}
}

func ignoredFrame(fn string) bool {
	for _, prefix := range callerIgnorePrefixes {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
