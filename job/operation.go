package job

import (
	"time"

	"github.com/creativeprojects/offmail/lib"
)

type Type string

const (
	TypeModTags        Type = "modtags"
	TypeDelete         Type = "delete"
	TypeMove           Type = "move"
	TypeCopy           Type = "copy"
	TypeAppend         Type = "append"
	TypeCreateFolder   Type = "createFolder"
	TypeDownload       Type = "download"
	TypeDownloadBodies Type = "downloadBodies"
	TypeSendOutbox     Type = "sendOutboxMessages"
)

// Types lists every operation type in a stable order
var Types = []Type{
	TypeModTags,
	TypeDelete,
	TypeMove,
	TypeCopy,
	TypeAppend,
	TypeCreateFolder,
	TypeDownload,
	TypeDownloadBodies,
	TypeSendOutbox,
}

// Status is where the operation stands on the server
type Status string

const (
	// StatusNone means the local effect may be applied but nothing reached the server
	StatusNone     Status = ""
	StatusChecking Status = "checking"
	StatusDoing    Status = "doing"
	StatusDone     Status = "done"
	StatusUndoing  Status = "undoing"
	StatusUndone   Status = "undone"
	StatusMoot     Status = "moot"
)

func (s Status) String() string {
	if s == StatusNone {
		return "null"
	}
	return string(s)
}

// Running is true while the online phase is in flight
func (s Status) Running() bool {
	return s == StatusDoing || s == StatusUndoing
}

// Desire is the end state currently wanted for the operation
type Desire string

const (
	DesireNone Desire = ""
	DesireDo   Desire = "do"
	DesireUndo Desire = "undo"
)

func (d Desire) String() string {
	if d == DesireNone {
		return "null"
	}
	return string(d)
}

// Mode is the phase dispatched for an operation
type Mode string

const (
	ModeDo    Mode = "do"
	ModeUndo  Mode = "undo"
	ModeCheck Mode = "check"
)

// Operation is a single mutation requested on an account
type Operation struct {
	LongtermID string
	AccountID  string
	Status     Status
	// LocalStatus is StatusDone once the local effect is applied, StatusUndone after it was reverted
	// and StatusNone while the local phase is deferred
	LocalStatus Status
	Desire      Desire
	TryCount    int
	Created     time.Time
	Payload     Payload
}

func (op *Operation) Type() Type {
	if op.Payload == nil {
		return ""
	}
	return op.Payload.Type()
}

// Mode returns the phase to dispatch: an operation in doubt is always checked first
func (op *Operation) Mode() Mode {
	if op.Status == StatusChecking {
		return ModeCheck
	}
	return Mode(op.Desire)
}

// LocalPending is true when the local effect doesn't reflect the desire yet
func (op *Operation) LocalPending() bool {
	switch op.Desire {
	case DesireDo:
		return op.LocalStatus != StatusDone
	case DesireUndo:
		return op.LocalStatus == StatusDone
	}
	return false
}

// Clone returns a deep copy of the operation, payload included
func (op *Operation) Clone() (*Operation, error) {
	return lib.DeepCopy(op)
}
