package mcsync

import "log/slog"

// Reporter for errors on a best-effort basis.
type Reporter interface {
	Report(err error)
}

// LogReporter reports errors to its logger. It's used when no external error
// reporting is configured.
type LogReporter struct {
	Log *slog.Logger
}

func (r LogReporter) Report(err error) {
	r.Log.Error("reported error", slog.Any("error", err))
}

type multiReporter []Reporter

// Reporters combines reporters, each receiving every error.
func Reporters(rs ...Reporter) Reporter {
	return multiReporter(rs)
}

func (m multiReporter) Report(err error) {
	for _, r := range m {
		r.Report(err)
	}
}
