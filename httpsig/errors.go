package httpsig

import "fmt"

// ErrKind classifies a verification or signing failure. Callers switch on
// the kind for logging and for choosing an HTTP status; the detail text
// never leaves the server.
type ErrKind int

const (
	ErrMissingHeader ErrKind = iota + 1
	ErrUnparseable
	ErrUnsupportedAlgorithm
	ErrKeyResolutionFailed
	ErrDigestMismatch
	ErrExpired
	ErrCryptoMismatch
)

func (k ErrKind) String() string {
	switch k {
	case ErrMissingHeader:
		return "missing_header"
	case ErrUnparseable:
		return "unparseable"
	case ErrUnsupportedAlgorithm:
		return "unsupported_algorithm"
	case ErrKeyResolutionFailed:
		return "key_resolution_failed"
	case ErrDigestMismatch:
		return "digest_mismatch"
	case ErrExpired:
		return "expired"
	case ErrCryptoMismatch:
		return "crypto_mismatch"
	}
	return "unknown"
}

// SignatureError carries the failure kind alongside the wrapped cause.
type SignatureError struct {
	Kind   ErrKind
	Detail string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// NewError builds a SignatureError; exported so that collaborators (key
// resolution lives in the actor directory) can participate in the taxonomy.
func NewError(kind ErrKind, detail string, cause error) *SignatureError {
	return &SignatureError{Kind: kind, Detail: detail, Err: cause}
}

func errf(kind ErrKind, format string, args ...interface{}) *SignatureError {
	return &SignatureError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrKind of err, or 0 if err is not a SignatureError.
func KindOf(err error) ErrKind {
	var se *SignatureError
	for err != nil {
		if e, ok := err.(*SignatureError); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if se == nil {
		return 0
	}
	return se.Kind
}
