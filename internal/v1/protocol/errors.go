package protocol

// ErrorKind is the closed set of error codes surfaced to clients.
type ErrorKind string

const (
	ErrInvalidMessage       ErrorKind = "InvalidMessage"
	ErrAuthInvalidated      ErrorKind = "AuthInvalidated"
	ErrClientNotFound       ErrorKind = "ClientNotFound"
	ErrRoomClosed           ErrorKind = "RoomClosed"
	ErrRoomNotFound         ErrorKind = "RoomNotFound"
	ErrUnauthorized         ErrorKind = "Unauthorized"
	ErrUnexpectedBaseCookie ErrorKind = "UnexpectedBaseCookie"
	ErrUnexpectedLMID       ErrorKind = "UnexpectedLMID"
	ErrConnectTimeout       ErrorKind = "ConnectTimeout"
	ErrPingTimeout          ErrorKind = "PingTimeout"
	ErrInternalError        ErrorKind = "InternalError"
)
