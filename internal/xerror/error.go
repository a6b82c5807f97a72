// Package xerror defines the error taxonomy surfaced to Homa's recv path
// (spec §7) and a small helper for invariant violations that should never
// happen in a correctly-running core.
package xerror

import "errors"

// Unwrap panics if e is non-nil, otherwise returns t.
//
// Used at call sites where an error would indicate a broken invariant
// rather than a recoverable condition (e.g. an RPC found linked into two
// Grantable Index positions at once).
func Unwrap[T any](t T, e error) T {
	if e != nil {
		panic(e)
	}
	return t
}

// Sentinel errors surfaced to a recv() caller, per spec §7.
var (
	// ErrAgain corresponds to EAGAIN: no RPC is ready and the caller asked
	// for a non-blocking wait.
	ErrAgain = errors.New("homa: no message available (EAGAIN)")
	// ErrIntr corresponds to EINTR: a signal interrupted the wait.
	ErrIntr = errors.New("homa: wait interrupted by signal (EINTR)")
	// ErrInval corresponds to EINVAL: the caller named an id that does not
	// identify a live client RPC, or that already has a registered Interest.
	ErrInval = errors.New("homa: invalid rpc id (EINVAL)")
	// ErrShutdown corresponds to ESHUTDOWN: the socket was shut down while
	// waiting, or before the wait began.
	ErrShutdown = errors.New("homa: socket shut down (ESHUTDOWN)")
	// ErrTimedOut corresponds to ETIMEDOUT: peer-liveness failure detected
	// by the out-of-scope timer subsystem and surfaced via abort.
	ErrTimedOut = errors.New("homa: peer not responding (ETIMEDOUT)")
	// ErrFault corresponds to EFAULT: a user-buffer copy faulted.
	ErrFault = errors.New("homa: bad user buffer (EFAULT)")
	// ErrNoMem corresponds to ENOMEM: copy_to_user failed to allocate a
	// buffer page from the pool.
	ErrNoMem = errors.New("homa: buffer pool exhausted (ENOMEM)")
	// ErrNotConn corresponds to ENOTCONN: operation attempted on an RPC
	// that has no live peer association.
	ErrNotConn = errors.New("homa: rpc not connected (ENOTCONN)")
	// ErrProtoNoSupport corresponds to EPROTONOSUPPORT: a packet named an
	// unsupported wire protocol version or option.
	ErrProtoNoSupport = errors.New("homa: unsupported protocol option (EPROTONOSUPPORT)")
)

// Negative errno-style codes, for storing on rpc.error (spec §7:
// "errors are stored on the RPC (rpc.error, negative)"). Values follow
// Linux's asm-generic/errno-base.h and asm-generic/errno.h numbering so they read naturally
// alongside the sentinel errors above.
const (
	codeEAGAIN          int32 = -11
	codeEINTR           int32 = -4
	codeEINVAL          int32 = -22
	codeESHUTDOWN       int32 = -108
	codeETIMEDOUT       int32 = -110
	codeEFAULT          int32 = -14
	codeENOMEM          int32 = -12
	codeENOTCONN        int32 = -107
	codeEPROTONOSUPPORT int32 = -93
)

// Code maps a sentinel error from this package to the negative errno-style
// code stored on rpc.error. Returns 0 for nil or an unrecognized error.
func Code(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAgain):
		return codeEAGAIN
	case errors.Is(err, ErrIntr):
		return codeEINTR
	case errors.Is(err, ErrInval):
		return codeEINVAL
	case errors.Is(err, ErrShutdown):
		return codeESHUTDOWN
	case errors.Is(err, ErrTimedOut):
		return codeETIMEDOUT
	case errors.Is(err, ErrFault):
		return codeEFAULT
	case errors.Is(err, ErrNoMem):
		return codeENOMEM
	case errors.Is(err, ErrNotConn):
		return codeENOTCONN
	case errors.Is(err, ErrProtoNoSupport):
		return codeEPROTONOSUPPORT
	default:
		return 0
	}
}
