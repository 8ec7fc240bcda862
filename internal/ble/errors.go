package ble

import "fmt"

// Kind classifies transport failures so callers can choose a remediation
// (prompt the user to enable the radio, retry the scan, redo discovery...)
// instead of rendering a generic failure.
type Kind int

const (
	// KindRadioUnavailable means the adapter is powered off or the platform
	// has no usable radio. Not retryable until the user intervenes.
	KindRadioUnavailable Kind = iota
	// KindPermissionDenied means the OS refused radio access for this process.
	KindPermissionDenied
	// KindScanTimeout means a scan window elapsed before finding what the
	// caller needed. The adapter itself reports a timed-out scan as success
	// with the partial result set; this kind is for callers that require a
	// scan to have found a particular peripheral.
	KindScanTimeout
	// KindConnectTimeout means the peripheral did not complete the link
	// within the connect deadline.
	KindConnectTimeout
	// KindConnectInFlight means a connect attempt was rejected because
	// another one is already running.
	KindConnectInFlight
	// KindServiceNotFound means the expected GATT service is absent.
	KindServiceNotFound
	// KindCharacteristicNotFound means no usable characteristic was resolved.
	KindCharacteristicNotFound
	// KindWriteFailed means a write to the control characteristic failed.
	KindWriteFailed
	// KindNotConnected means an operation requiring a live link was called
	// without one.
	KindNotConnected
)

func (k Kind) String() string {
	switch k {
	case KindRadioUnavailable:
		return "radio unavailable"
	case KindPermissionDenied:
		return "permission denied"
	case KindScanTimeout:
		return "scan timeout"
	case KindConnectTimeout:
		return "connect timeout"
	case KindConnectInFlight:
		return "connect already in flight"
	case KindServiceNotFound:
		return "service not found"
	case KindCharacteristicNotFound:
		return "characteristic not found"
	case KindWriteFailed:
		return "write failed"
	case KindNotConnected:
		return "not connected"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is a transport failure tagged with its Kind. The underlying cause is
// kept so the UI layer can show the platform message alongside the remediation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "ble: " + e.Kind.String()
	}
	return fmt.Sprintf("ble: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapKind tags err with kind. A nil err produces an Error carrying only the kind.
func wrapKind(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, or (0, false) if err is not a transport error.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
