package mailbox

import "time"

// Header is the local record of a message
type Header struct {
	SUID      SUID
	AccountID string
	FolderID  string
	// UID on the server, zero when not known yet
	ServerID uint32
	// Content of the Message-ID header
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	// The message flags, always sorted.
	Flags []string
	// The message size.
	Size    uint32
	HasBody bool
}
