package link

import "errors"

var (
	// ErrFramingOverflow is returned by Framer.Feed when a line grew past the
	// configured limit and was discarded. The stream resynchronises at the next
	// newline, so callers log it and keep feeding.
	ErrFramingOverflow = errors.New("line exceeds maximum length")

	// ErrMalformedJSON marks a line that looked like JSON but failed to decode.
	ErrMalformedJSON = errors.New("malformed json")

	// ErrFieldType marks a recognised field carrying a value of the wrong JSON type.
	// Only the affected predicate is skipped.
	ErrFieldType = errors.New("unexpected field type")

	// ErrInvalidCommand is returned by Encode for an unknown command type or a
	// value that cannot be represented on the wire.
	ErrInvalidCommand = errors.New("invalid command")
)
