package redis

import (
	"github.com/joomcode/errorx"
)

// Errors is the namespace for all errors produced by this module.
var Errors = errorx.NewNamespace("redisward")

var (
	// ErrTraitConnectivity marks errors that indicate the link to the
	// server is broken, absent or given up on.
	ErrTraitConnectivity = errorx.RegisterTrait("connectivity")
	// ErrTraitFatalToConnection marks errors after which the connection
	// can not be used anymore and is torn down.
	ErrTraitFatalToConnection = errorx.RegisterTrait("fatal_to_connection")
)

var (
	// ErrResult is a regular error reply from the server. Its message is
	// the server's text verbatim. It fails a single command only.
	ErrResult = Errors.NewType("result")

	errConnectivity = Errors.NewSubNamespace("connectivity", ErrTraitConnectivity)
	// ErrConnectionLost - socket closed while commands were in flight.
	ErrConnectionLost = errConnectivity.NewType("connection_lost")
	// ErrConnectFailed - a connection attempt failed (dial, auth or select).
	ErrConnectFailed = errConnectivity.NewType("connect_failed")
	// ErrInFailedState - command issued while the supervisor is in the
	// Failed state; fails synchronously until Reconnect is called.
	ErrInFailedState = errConnectivity.NewType("failed_state")
	// ErrNotConnected - connection is not established at the moment.
	ErrNotConnected = errConnectivity.NewType("not_connected")
	// ErrIO - read/write error or timeout on the socket.
	ErrIO = errConnectivity.NewType("io", ErrTraitFatalToConnection)

	errRequest = Errors.NewSubNamespace("request")
	// ErrInvalidArgument - request can not be serialized or is not legal
	// on this kind of connection. No reason to retry.
	ErrInvalidArgument = errRequest.NewType("invalid_argument")

	errResponse = Errors.NewSubNamespace("response", ErrTraitFatalToConnection)
	// ErrOutOfSync - a reply arrived with no command awaiting it. The
	// connection is desynchronized and is closed.
	ErrOutOfSync = errResponse.NewType("out_of_sync")
	// ErrResponseFormat - the byte stream is not a valid reply.
	ErrResponseFormat = errResponse.NewType("malformed")
)

var (
	// EKAddress - address of the connection that handled the request.
	EKAddress = errorx.RegisterPrintableProperty("address")
	// EKDb - database number being selected.
	EKDb = errorx.RegisterPrintableProperty("db")
	// EKChannel - pub/sub channel or pattern name.
	EKChannel = errorx.RegisterPrintableProperty("channel")
	// EKAttempts - number of consecutive failed connection attempts.
	EKAttempts = errorx.RegisterPrintableProperty("attempts")
)

// AsError casts result to error if it is one. Results are either plain
// values or errors; this is the test.
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// AsErrorx casts result to *errorx.Error if it is one. It panics if the
// result is an error of any other dynamic type: the module's convention
// is that every error result is an *errorx.Error.
func AsErrorx(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	if e == nil {
		if _, ok := v.(error); ok {
			panic(errorx.InternalError.New("result should be either *errorx.Error, or not error at all, but got %#v", v))
		}
	}
	return e
}

// HardError reports whether err makes its connection unusable.
func HardError(e *errorx.Error) bool {
	return e != nil && e.HasTrait(ErrTraitFatalToConnection)
}
