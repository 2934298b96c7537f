package storage

import (
	"context"
	"time"

	"github.com/creativeprojects/offmail/mailbox"
)

// Store is the local database holding folders, message headers and bodies,
// and the persisted operation log of each account.
// A single transaction can span any number of records.
type Store interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
	Close() error
}

// Tx is a transaction on the local store.
// Records returned by a Tx are copies: modifying them has no effect until they're put back.
type Tx interface {
	// Folders lists all the folders known locally for the account
	Folders(accountID string) ([]mailbox.Folder, error)
	// Folder returns lib.ErrFolderNotFound when the folder doesn't exist
	Folder(accountID, folderID string) (*mailbox.Folder, error)
	// FolderByType returns the first folder of this type, or lib.ErrFolderNotFound
	FolderByType(accountID string, folderType mailbox.FolderType) (*mailbox.Folder, error)
	// FolderByPath compares path with the same rules as the servers (INBOX is case insensitive)
	FolderByPath(accountID, path string) (*mailbox.Folder, error)
	// PutFolder creates or updates the folder. A new ID is allocated when folder.ID is empty.
	PutFolder(folder *mailbox.Folder) error
	// DeleteFolder deletes the folder with all its messages
	DeleteFolder(accountID, folderID string) error

	// Headers returns all the headers of the folder sorted by SUID
	Headers(accountID, folderID string) ([]mailbox.Header, error)
	// Header returns lib.ErrMessageNotFound when the message doesn't exist
	Header(accountID string, suid mailbox.SUID) (*mailbox.Header, error)
	PutHeader(header *mailbox.Header) error
	DeleteHeader(accountID string, suid mailbox.SUID) error
	// Body returns lib.ErrBodyNotFound when the body was never downloaded
	Body(accountID string, suid mailbox.SUID) ([]byte, error)
	PutBody(accountID string, suid mailbox.SUID, body []byte) error
	DeleteBody(accountID string, suid mailbox.SUID) error
	// NextMessageID allocates a new local message ID inside a folder. IDs are never reused.
	NextMessageID(accountID, folderID string) (uint64, error)

	// AccountState returns the persisted engine record of the account, or nil if none was saved yet
	AccountState(accountID string) ([]byte, error)
	PutAccountState(accountID string, state []byte) error
}

// RemoteMessage is the summary of a message as seen by the server
type RemoteMessage struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	Date      time.Time
	Flags     []string
	Size      uint32
}

// AppendMessage is a message to upload to a server folder
type AppendMessage struct {
	Flags []string
	Date  time.Time
	Body  []byte
}

// Dialer opens new authenticated connections to a mail server
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is a live and authenticated connection to a mail server.
// All the paths are the full server paths of folders.
// Errors caused by a broken network connection must wrap lib.ErrConnectionLost.
type Connection interface {
	Close() error
	// Delimiter used to construct a path of mailboxes with its children
	Delimiter() string
	// SupportMessageID indicates if the server returns the UIDs of copied and appended messages (like the IMAP UIDPLUS extension)
	SupportMessageID() bool
	ListFolders() ([]mailbox.Info, error)
	CreateFolder(path string) error
	SelectFolder(path string) (*mailbox.Status, error)
	// FetchHeaders returns the messages with a UID strictly greater than sinceUID
	FetchHeaders(path string, sinceUID uint32) ([]RemoteMessage, error)
	FetchBody(path string, uid uint32) ([]byte, error)
	StoreFlags(path string, uids []uint32, add, remove []string) error
	// CopyMessages returns the UIDs in the destination folder, indexed by source UID, when the server sends them
	CopyMessages(path string, uids []uint32, destination string) (map[uint32]uint32, error)
	// DeleteMessages permanently removes the messages from the folder
	DeleteMessages(path string, uids []uint32) error
	// SearchMessageID returns the UIDs of the messages carrying this Message-ID header
	SearchMessageID(path, messageID string) ([]uint32, error)
	// SearchUIDs returns which of the UIDs still exist in the folder
	SearchUIDs(path string, uids []uint32) ([]uint32, error)
	// AppendMessage returns the UID of the new message, or zero when the server doesn't send it
	AppendMessage(path string, message AppendMessage) (uint32, error)
}

// BulkAppender is implemented by connections able to upload many messages with a single command
type BulkAppender interface {
	AppendMessages(path string, messages []AppendMessage) ([]uint32, error)
}

// Sender delivers outgoing messages
type Sender interface {
	Send(ctx context.Context, from string, to []string, body []byte) error
}

type SendState string

const (
	SendPending SendState = ""
	SendSending SendState = "sending"
	SendError   SendState = "error"
	SendSuccess SendState = "success"
)

// OutboxMessage is a message waiting in the outbox
type OutboxMessage struct {
	Key       string
	MessageID string
	From      string
	To        []string
	Subject   string
	Date      time.Time
	State     SendState
	LastError string
}

// Outbox is the durable spool of messages waiting to be sent.
// The send state of each message is kept separately from the state of the operation sending it.
type Outbox interface {
	Queue(body []byte) (string, error)
	List() ([]OutboxMessage, error)
	Body(key string) ([]byte, error)
	SetState(key string, state SendState, lastError string) error
	Remove(key string) error
}
