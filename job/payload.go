package job

import (
	"encoding/gob"
	"time"

	"github.com/creativeprojects/offmail/mailbox"
)

// Payload is the operation specific part of an operation.
// The set of payloads is closed: each payload type maps to exactly one operation type.
type Payload interface {
	Type() Type
	isPayload()
}

func init() {
	gob.Register(&ModTags{})
	gob.Register(&Move{})
	gob.Register(&Copy{})
	gob.Register(&Delete{})
	gob.Register(&Append{})
	gob.Register(&CreateFolder{})
	gob.Register(&Download{})
	gob.Register(&DownloadBodies{})
	gob.Register(&SendOutbox{})
}

// MessageRef is where a message was before the operation touched it
type MessageRef struct {
	FolderID  string
	ServerID  uint32
	MessageID string
}

// ModTags adds and removes flags on messages
type ModTags struct {
	Messages   []mailbox.SUID
	AddTags    []string
	RemoveTags []string
	// Flags really changed on each message by the local phase: undo only reverts those
	Added   map[mailbox.SUID][]string
	Removed map[mailbox.SUID][]string
}

func (p *ModTags) Type() Type { return TypeModTags }
func (p *ModTags) isPayload() {}

// Move moves messages between folders of the same account
type Move struct {
	Messages     []mailbox.SUID
	TargetFolder string
	// MoveMap gives the new local identifier of each moved message
	MoveMap   map[mailbox.SUID]mailbox.SUID
	Originals map[mailbox.SUID]MessageRef
	// ServerIDMap gives the server identifier of each message in the target folder
	ServerIDMap map[mailbox.SUID]uint32
	// Completed lists the source messages already moved on the server
	Completed map[mailbox.SUID]bool
}

func (p *Move) Type() Type { return TypeMove }
func (p *Move) isPayload() {}

func (p *Move) Init() {
	if p.MoveMap == nil {
		p.MoveMap = make(map[mailbox.SUID]mailbox.SUID, len(p.Messages))
	}
	if p.Originals == nil {
		p.Originals = make(map[mailbox.SUID]MessageRef, len(p.Messages))
	}
	if p.ServerIDMap == nil {
		p.ServerIDMap = make(map[mailbox.SUID]uint32, len(p.Messages))
	}
	if p.Completed == nil {
		p.Completed = make(map[mailbox.SUID]bool, len(p.Messages))
	}
}

// Copy copies messages into another folder of the same account
type Copy struct {
	Messages     []mailbox.SUID
	TargetFolder string
	CopyMap      map[mailbox.SUID]mailbox.SUID
	Originals    map[mailbox.SUID]MessageRef
	ServerIDMap  map[mailbox.SUID]uint32
	Completed    map[mailbox.SUID]bool
}

func (p *Copy) Type() Type { return TypeCopy }
func (p *Copy) isPayload() {}

func (p *Copy) Init() {
	if p.CopyMap == nil {
		p.CopyMap = make(map[mailbox.SUID]mailbox.SUID, len(p.Messages))
	}
	if p.Originals == nil {
		p.Originals = make(map[mailbox.SUID]MessageRef, len(p.Messages))
	}
	if p.ServerIDMap == nil {
		p.ServerIDMap = make(map[mailbox.SUID]uint32, len(p.Messages))
	}
	if p.Completed == nil {
		p.Completed = make(map[mailbox.SUID]bool, len(p.Messages))
	}
}

// Delete moves messages to the trash folder. Messages already in the trash are deleted for good.
type Delete struct {
	Move
	// Purged keeps what was permanently deleted from the trash, so it can be restored
	Purged map[mailbox.SUID]PurgedMessage
}

func (p *Delete) Type() Type { return TypeDelete }
func (p *Delete) isPayload() {}

func (p *Delete) Init() {
	p.Move.Init()
	if p.Purged == nil {
		p.Purged = make(map[mailbox.SUID]PurgedMessage)
	}
}

type PurgedMessage struct {
	Header mailbox.Header
	Body   []byte
	// Expunged is set once the message is gone from the server
	Expunged bool
	// Restored is the server identifier of the message uploaded back by an undo
	Restored uint32
}

// Append uploads new messages to a folder
type Append struct {
	FolderID    string
	Messages    []AppendItem
	ServerIDMap map[mailbox.SUID]uint32
}

func (p *Append) Type() Type { return TypeAppend }
func (p *Append) isPayload() {}

func (p *Append) Init() {
	if p.ServerIDMap == nil {
		p.ServerIDMap = make(map[mailbox.SUID]uint32, len(p.Messages))
	}
}

// AppendItem is a message to append. The body only stays in the payload
// while the message is not in the local store.
type AppendItem struct {
	SUID      mailbox.SUID
	MessageID string
	Flags     []string
	Date      time.Time
	Body      []byte
}

// CreateFolder creates a folder on the server, then saves what the server created locally
type CreateFolder struct {
	Path       string
	FolderType mailbox.FolderType
	// FolderID is the local folder matching the server folder once created
	FolderID string
}

func (p *CreateFolder) Type() Type { return TypeCreateFolder }
func (p *CreateFolder) isPayload() {}

// Download fetches the full body of one message
type Download struct {
	Message mailbox.SUID
}

func (p *Download) Type() Type { return TypeDownload }
func (p *Download) isPayload() {}

// DownloadBodies fetches the bodies of many messages, skipping the ones already downloaded
type DownloadBodies struct {
	Messages []mailbox.SUID
	// MaxSize skips bigger messages when not zero
	MaxSize uint32
}

func (p *DownloadBodies) Type() Type { return TypeDownloadBodies }
func (p *DownloadBodies) isPayload() {}

// SendOutbox sends every message waiting in the outbox
type SendOutbox struct {
	SaveToSent bool
	// Sent lists the outbox keys sent by the last run
	Sent []string
}

func (p *SendOutbox) Type() Type { return TypeSendOutbox }
func (p *SendOutbox) isPayload() {}

// MergeServerResults copies into p what an online phase recorded in executed, the copy of p it ran on.
// The fields kept by the local phases stay as they are in p: they may have changed while the phase was running.
func MergeServerResults(p, executed Payload) Payload {
	switch p := p.(type) {
	case *Move:
		if e, ok := executed.(*Move); ok {
			p.mergeServerResults(e)
			return p
		}
	case *Copy:
		if e, ok := executed.(*Copy); ok {
			p.ServerIDMap = e.ServerIDMap
			p.Completed = e.Completed
			return p
		}
	case *Delete:
		if e, ok := executed.(*Delete); ok {
			p.Move.mergeServerResults(&e.Move)
			for suid, message := range e.Purged {
				kept, ok := p.Purged[suid]
				if !ok {
					continue
				}
				kept.Expunged = message.Expunged
				kept.Restored = message.Restored
				p.Purged[suid] = kept
			}
			return p
		}
	case *Append:
		if e, ok := executed.(*Append); ok {
			p.ServerIDMap = e.ServerIDMap
			return p
		}
	case *CreateFolder:
		if e, ok := executed.(*CreateFolder); ok {
			if e.FolderID != "" {
				p.FolderID = e.FolderID
			}
			return p
		}
	case *SendOutbox:
		if e, ok := executed.(*SendOutbox); ok {
			p.Sent = e.Sent
			return p
		}
	case *ModTags, *Download, *DownloadBodies:
		if p.Type() == executed.Type() {
			return p
		}
	}
	return executed
}

func (p *Move) mergeServerResults(executed *Move) {
	p.ServerIDMap = executed.ServerIDMap
	p.Completed = executed.Completed
}
