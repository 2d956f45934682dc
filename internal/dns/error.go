package dns

type _error string

const (
	// ErrTransient marks provider failures worth retrying, such as rate
	// limits, 5xx responses and dropped connections.
	ErrTransient _error = "transient provider error"

	// ErrInitialization is returned by Init when the configured domain
	// cannot be resolved to a zone. Nothing can be pushed until the
	// configuration is corrected.
	ErrInitialization _error = "initialization failed"

	ErrNotInitialized _error = "not initialized"

	// ErrUpdateUnsupported is returned by UpdateRecords on providers where
	// HasUpdateCapability is false.
	ErrUpdateUnsupported _error = "update unsupported"
)

func (e _error) Error() string {
	return string(e)
}
