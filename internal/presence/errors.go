package presence

import "errors"

// Error taxonomy for presence operations. Request-triggered errors travel back
// to the caller; background errors are reported through component observers
// and retried.
var (
	// ErrInvalidEntity marks a submitted presence that violates the schema.
	ErrInvalidEntity = errors.New("presence: invalid entity")

	// ErrMismatch marks a submission whose session or user id disagrees with
	// the authenticated identity.
	ErrMismatch = errors.New("presence: session/user mismatch")

	// ErrSizeLimit marks a submission whose encoded size exceeds the limit.
	ErrSizeLimit = errors.New("presence: size limit exceeded")

	// ErrNoUser means the caller is not authenticated.
	ErrNoUser = errors.New("presence: no authenticated user")

	// ErrNotAuthorized means the auth collaborator refused the write.
	ErrNotAuthorized = errors.New("presence: not authorized")

	// ErrLoadFailed wraps Redis or decode errors during a read.
	ErrLoadFailed = errors.New("presence: load failed")

	// ErrInvalidPresence marks a structurally invalid stored hash.
	ErrInvalidPresence = errors.New("presence: invalid stored presence")

	// ErrDestroyed marks an operation attempted after service destruction.
	ErrDestroyed = errors.New("presence: service destroyed")

	// ErrConnectionIDMismatch is returned by the update script when another
	// process's connection id is recorded on the session hash.
	ErrConnectionIDMismatch = errors.New("presence: connectionId mismatch")

	// ErrNotWritable is returned when data is pushed into a presence stream.
	ErrNotWritable = errors.New("presence: stream is not writable")
)
