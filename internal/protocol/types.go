package protocol

import "errors"

// Command is one decoded request line: a command name plus its raw
// argument tokens. Argument semantics belong to the dispatch target.
type Command struct {
	Name string
	Args []string
}

// Status is the first token of every reply line.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Reply is the single response to one command.
type Reply struct {
	Status  Status
	Kind    string // error kind, empty on OK
	Payload string
}

// Error kinds carried on the wire in ERROR replies.
const (
	KindMalformedCommand = "MalformedCommand"
	KindUnknownCommand   = "UnknownCommand"
	KindNameInUse        = "NameInUse"
	KindUnknownWorker    = "UnknownWorker"
	KindAlreadyRunning   = "AlreadyRunning"
	KindStartTimeout     = "StartTimeout"
	KindStopTimeout      = "StopTimeout"
	KindForcedKill       = "ForcedKill"
	KindBindError        = "BindError"
	KindTransportError   = "TransportError"
	KindInternal         = "Internal"
)

// ErrMalformedCommand is returned by Decode for empty, unterminated or
// oversized input. It is distinct from an unknown command name, which is
// a dispatch-level concern.
var ErrMalformedCommand = errors.New("malformed command")

// OK builds a success reply.
func OK(payload string) Reply {
	return Reply{Status: StatusOK, Payload: payload}
}

// Errorf builds an error reply of the given kind.
func Errorf(kind, message string) Reply {
	return Reply{Status: StatusError, Kind: kind, Payload: message}
}
