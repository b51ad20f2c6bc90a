package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPackages log on behalf of their caller. Frames from them are never
// reported as the call site.
var wrapperPackages = []string{
	"github.com/sirupsen/logrus",
	"gainscan/logger.",
	"gainscan/internal/metrics.",
}

// callerHook rewrites entry.Caller to the first frame outside the wrappers,
// so a metric emitted by the scheduler is attributed to the scheduler.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	if frame, ok := firstForeignFrame(runtime.CallersFrames(pcs[:n])); ok {
		entry.Caller = &frame
	}
	return nil
}

type frameIterator interface {
	Next() (runtime.Frame, bool)
}

func firstForeignFrame(frames frameIterator) (runtime.Frame, bool) {
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isWrapperFrame(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isWrapperFrame(function string) bool {
	for _, prefix := range wrapperPackages {
		if strings.HasPrefix(function, prefix) {
			return true
		}
	}
	return false
}
