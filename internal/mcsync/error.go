package mcsync

type _error string

const (
	// ErrNotInitialized is returned by diagnostics before the Manager has
	// initialized its DNS provider.
	ErrNotInitialized _error = "not initialized"

	ErrInvalidConfig _error = "invalid config"

	// ErrStopped is returned when starting a Manager whose client sessions
	// were released by Stop.
	ErrStopped _error = "stopped"
)

func (e _error) Error() string {
	return string(e)
}
