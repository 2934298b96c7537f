package mailbox

// Status of a folder when selected on the server
type Status struct {
	Name           string
	Flags          []string
	PermanentFlags []string
	Messages       uint32
	Unseen         uint32
	// Together with a UID, it is a unique identifier for a message.
	// Must be greater than or equal to 1.
	UidValidity uint32
	// UidNext is the UID the server will give to the next message, zero when unknown
	UidNext uint32
}

// HasNewMessages is true when the server may hold messages after lastUid
func (s Status) HasNewMessages(lastUid uint32) bool {
	return s.UidNext == 0 || s.UidNext > lastUid+1
}
