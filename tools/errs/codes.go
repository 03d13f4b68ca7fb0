package errs

// Error codes of the coordination subsystem.
const (
	NetworkError         = 1001 // transient, retried with backoff
	AuthError            = 1002 // terminal for the session
	StaleMessageError    = 1003 // outside freshness window or self-originated
	VersionConflictError = 1004 // incoming version lower than local
	StorageError         = 1005 // shared store unavailable / quota
	ClosedError          = 1006
	InactiveError        = 1007
	MalformedError       = 1008
	NotFoundError        = 1009
)

var (
	ErrNetwork         = NewCodeError(NetworkError, "network error")
	ErrAuth            = NewCodeError(AuthError, "auth error")
	ErrStaleMessage    = NewCodeError(StaleMessageError, "stale message")
	ErrVersionConflict = NewCodeError(VersionConflictError, "version conflict")
	ErrStorage         = NewCodeError(StorageError, "storage error")
	ErrClosed          = NewCodeError(ClosedError, "closed")
	ErrInactive        = NewCodeError(InactiveError, "user inactive")
	ErrMalformed       = NewCodeError(MalformedError, "malformed")
	ErrNotFound        = NewCodeError(NotFoundError, "not found")
)

func IsNetwork(err error) bool         { return IsCode(err, NetworkError) }
func IsAuth(err error) bool            { return IsCode(err, AuthError) }
func IsStale(err error) bool           { return IsCode(err, StaleMessageError) }
func IsVersionConflict(err error) bool { return IsCode(err, VersionConflictError) }
func IsStorage(err error) bool         { return IsCode(err, StorageError) }
func IsClosed(err error) bool          { return IsCode(err, ClosedError) }
