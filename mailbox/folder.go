package mailbox

type FolderType string

const (
	FolderNormal FolderType = "normal"
	FolderInbox  FolderType = "inbox"
	FolderSent   FolderType = "sent"
	FolderTrash  FolderType = "trash"
	FolderDrafts FolderType = "drafts"
	FolderOutbox FolderType = "outbox"
)

// Folder is the local metadata of a folder of an account
type Folder struct {
	AccountID string
	// Local identifier, never sent to the server
	ID string
	// Full path on the server, as returned by the server
	Path      string
	Name      string
	Delimiter string
	Type      FolderType
	// Together with a UID, it is a unique identifier for a message on the server
	UidValidity uint32
	// Last UID fetched from the server
	LastUid uint32
}

// Info returns the server view of the folder
func (f Folder) Info() Info {
	return Info{
		Delimiter: f.Delimiter,
		Name:      f.Path,
	}
}

// DetectFolderType guesses the type of a folder from its name and server attributes
func DetectFolderType(name string, attributes []string) FolderType {
	for _, attribute := range attributes {
		switch attribute {
		case "\\Sent":
			return FolderSent
		case "\\Trash":
			return FolderTrash
		case "\\Drafts":
			return FolderDrafts
		}
	}
	switch name {
	case "INBOX":
		return FolderInbox
	case "Sent", "Sent Items", "Sent Messages":
		return FolderSent
	case "Trash", "Deleted Items", "Deleted Messages":
		return FolderTrash
	case "Drafts":
		return FolderDrafts
	case "Outbox":
		return FolderOutbox
	}
	return FolderNormal
}
