package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
)

const Delimiter = "."

// Server is an in-memory mail server. It dials connections sharing the same mailboxes,
// and can simulate network failures.
type Server struct {
	mu       sync.Mutex
	data     map[string]*memMailbox
	log      lib.Logger
	offline  bool
	authFail bool
	noUIDs   bool
	faults   map[string][]fault
	calls    []string
	dials    int
	open     int
	hook     func(method, path string)
}

type fault struct {
	afterEffect bool
}

func New() *Server {
	return NewWithLogger(nil)
}

func NewWithLogger(logger lib.Logger) *Server {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	return &Server{
		data:   make(map[string]*memMailbox),
		log:    logger,
		faults: make(map[string][]fault),
	}
}

// Dial opens a new connection. It fails with lib.ErrConnectionLost when the server is offline.
func (s *Server) Dial(ctx context.Context) (storage.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.offline {
		return nil, fmt.Errorf("%w: server offline", lib.ErrConnectionLost)
	}
	if s.authFail {
		return nil, lib.ErrAuthFailed
	}
	s.open++
	s.log.Printf("connection opened (%d open)", s.open)
	return &Connection{server: s}, nil
}

// SetOffline refuses all new connections, and breaks the open ones
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
}

func (s *Server) SetAuthFailure(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authFail = fail
}

// SetUIDPlus(false) makes the server stop returning the UIDs of copied and appended messages
func (s *Server) SetUIDPlus(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.noUIDs = !enabled
}

// InjectFault makes the next count calls to method fail with lib.ErrConnectionLost.
// With afterEffect, the command is executed before failing: only the response is lost.
func (s *Server) InjectFault(method string, count int, afterEffect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < count; i++ {
		s.faults[method] = append(s.faults[method], fault{afterEffect: afterEffect})
	}
}

// SetHook installs a function called before each command, outside of the server lock
func (s *Server) SetHook(hook func(method, path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hook = hook
}

// Calls returns the commands received, as "method path"
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]string, len(s.calls))
	copy(calls, s.calls)
	return calls
}

func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = nil
}

// Dials counts the connection attempts, successful or not
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dials
}

func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open
}

// AddFolder creates a mailbox directly on the server
func (s *Server) AddFolder(path string, attributes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLocked(path) != nil {
		return
	}
	s.data[path] = newMailbox(path, attributes)
}

// AddMessage stores a message directly on the server and returns its UID
func (s *Server) AddMessage(path string, body []byte, flags []string, date time.Time) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox := s.findLocked(path)
	if mbox == nil {
		return 0, fmt.Errorf("%w: %q", lib.ErrFolderNotFound, path)
	}
	return mbox.newMessage(body, flags, date), nil
}

// Messages lists the content of a mailbox, ordered by UID
func (s *Server) Messages(path string) []storage.RemoteMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox := s.findLocked(path)
	if mbox == nil {
		return nil
	}
	return remoteMessages(mbox, 0)
}

func (s *Server) GenerateFakeEmails(path string, count uint32, minSize, maxSize int) {
	s.AddFolder(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	mbox := s.findLocked(path)
	var i uint32
	for i = 1; i <= count; i++ {
		msg := lib.GenerateEmail("user1@example.com", "user2@example.com", mbox.currentUid+1, minSize, maxSize)
		mbox.newMessage(
			msg,
			lib.GenerateFlags(5),
			lib.GenerateDateFrom(time.Date(2010, 1, 1, 12, 0, 0, 0, time.Local)),
		)
	}
}

func (s *Server) findLocked(path string) *memMailbox {
	if mbox, ok := s.data[path]; ok {
		return mbox
	}
	for name, mbox := range s.data {
		if lib.SameFolderPath(name, path) {
			return mbox
		}
	}
	return nil
}

func remoteMessages(mbox *memMailbox, sinceUID uint32) []storage.RemoteMessage {
	list := make([]storage.RemoteMessage, 0, len(mbox.messages))
	for _, uid := range mbox.uids() {
		if uid <= sinceUID {
			continue
		}
		msg := mbox.messages[uid]
		remote := storage.RemoteMessage{
			UID:       uid,
			MessageID: msg.messageID,
			Date:      msg.date,
			Flags:     append([]string(nil), msg.flags...),
			Size:      uint32(len(msg.content)),
		}
		if envelope, err := lib.ParseEnvelope(msg.content); err == nil {
			remote.Subject = envelope.Subject
			remote.From = envelope.From
		}
		list = append(list, remote)
	}
	return list
}

// Connection to the in-memory server
type Connection struct {
	server *Server
	closed bool
}

// command runs fn with the server lock held, after applying the injected faults
func (c *Connection) command(method, path string, fn func() error) error {
	s := c.server
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(method, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: connection closed", lib.ErrConnectionLost)
	}
	s.calls = append(s.calls, method+" "+path)
	if s.offline {
		c.breakLocked()
		return fmt.Errorf("%w: server offline", lib.ErrConnectionLost)
	}
	if faults := s.faults[method]; len(faults) > 0 {
		s.faults[method] = faults[1:]
		if faults[0].afterEffect {
			if err := fn(); err != nil {
				return err
			}
		}
		c.breakLocked()
		s.log.Printf("injected failure on %s %q", method, path)
		return fmt.Errorf("%w: injected failure on %s", lib.ErrConnectionLost, method)
	}
	return fn()
}

func (c *Connection) breakLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.server.open--
}

func (c *Connection) mailbox(path string) (*memMailbox, error) {
	mbox := c.server.findLocked(path)
	if mbox == nil {
		return nil, fmt.Errorf("%w: %q", lib.ErrFolderNotFound, path)
	}
	return mbox, nil
}

func (c *Connection) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	c.breakLocked()
	return nil
}

func (c *Connection) Delimiter() string {
	return Delimiter
}

func (c *Connection) SupportMessageID() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()

	return !c.server.noUIDs
}

func (c *Connection) ListFolders() ([]mailbox.Info, error) {
	var list []mailbox.Info
	err := c.command("ListFolders", "", func() error {
		list = make([]mailbox.Info, 0, len(c.server.data))
		for name, mbox := range c.server.data {
			list = append(list, mailbox.Info{
				Delimiter:  Delimiter,
				Name:       name,
				Attributes: append([]string(nil), mbox.attributes...),
			})
		}
		return nil
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, err
}

func (c *Connection) CreateFolder(path string) error {
	return c.command("CreateFolder", path, func() error {
		if c.server.findLocked(path) != nil {
			return fmt.Errorf("folder %q already exists", path)
		}
		c.server.data[path] = newMailbox(path, nil)
		return nil
	})
}

func (c *Connection) SelectFolder(path string) (*mailbox.Status, error) {
	var status *mailbox.Status
	err := c.command("SelectFolder", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		unseen := uint32(0)
		for _, msg := range mbox.messages {
			if !lib.HasFlag(msg.flags, "\\Seen") {
				unseen++
			}
		}
		status = &mailbox.Status{
			Name:        mbox.name,
			Messages:    uint32(len(mbox.messages)),
			Unseen:      unseen,
			UidValidity: mbox.uidValidity,
			UidNext:     mbox.currentUid + 1,
		}
		return nil
	})
	return status, err
}

func (c *Connection) FetchHeaders(path string, sinceUID uint32) ([]storage.RemoteMessage, error) {
	var list []storage.RemoteMessage
	err := c.command("FetchHeaders", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		list = remoteMessages(mbox, sinceUID)
		return nil
	})
	return list, err
}

func (c *Connection) FetchBody(path string, uid uint32) ([]byte, error) {
	var body []byte
	err := c.command("FetchBody", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		msg, ok := mbox.messages[uid]
		if !ok {
			return fmt.Errorf("%w: uid %d in %q", lib.ErrMessageNotFound, uid, path)
		}
		body = append([]byte(nil), msg.content...)
		return nil
	})
	return body, err
}

func (c *Connection) StoreFlags(path string, uids []uint32, add, remove []string) error {
	return c.command("StoreFlags", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			msg, ok := mbox.messages[uid]
			if !ok {
				continue
			}
			for _, flag := range lib.StripRecentFlag(add) {
				msg.flags, _ = lib.AddFlag(msg.flags, flag)
			}
			for _, flag := range remove {
				msg.flags, _ = lib.RemoveFlag(msg.flags, flag)
			}
		}
		return nil
	})
}

func (c *Connection) CopyMessages(path string, uids []uint32, destination string) (map[uint32]uint32, error) {
	copied := make(map[uint32]uint32, len(uids))
	err := c.command("CopyMessages", path, func() error {
		source, err := c.mailbox(path)
		if err != nil {
			return err
		}
		target, err := c.mailbox(destination)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			msg, ok := source.messages[uid]
			if !ok {
				continue
			}
			copied[uid] = target.newMessage(msg.content, msg.flags, msg.date)
		}
		return nil
	})
	if err != nil || c.SupportMessageID() {
		return copied, err
	}
	return nil, nil
}

func (c *Connection) DeleteMessages(path string, uids []uint32) error {
	return c.command("DeleteMessages", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			delete(mbox.messages, uid)
		}
		return nil
	})
}

func (c *Connection) SearchMessageID(path, messageID string) ([]uint32, error) {
	var found []uint32
	err := c.command("SearchMessageID", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		for _, uid := range mbox.uids() {
			if mbox.messages[uid].messageID == messageID {
				found = append(found, uid)
			}
		}
		return nil
	})
	return found, err
}

func (c *Connection) SearchUIDs(path string, uids []uint32) ([]uint32, error) {
	var found []uint32
	err := c.command("SearchUIDs", path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		for _, uid := range uids {
			if _, ok := mbox.messages[uid]; ok {
				found = append(found, uid)
			}
		}
		return nil
	})
	return found, err
}

func (c *Connection) AppendMessage(path string, message storage.AppendMessage) (uint32, error) {
	uids, err := c.appendMessages("AppendMessage", path, []storage.AppendMessage{message})
	if err != nil {
		return 0, err
	}
	return uids[0], nil
}

func (c *Connection) AppendMessages(path string, messages []storage.AppendMessage) ([]uint32, error) {
	return c.appendMessages("AppendMessages", path, messages)
}

func (c *Connection) appendMessages(method, path string, messages []storage.AppendMessage) ([]uint32, error) {
	uids := make([]uint32, len(messages))
	err := c.command(method, path, func() error {
		mbox, err := c.mailbox(path)
		if err != nil {
			return err
		}
		for i, message := range messages {
			uids[i] = mbox.newMessage(append([]byte(nil), message.Body...), message.Flags, message.Date)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !c.SupportMessageID() {
		return make([]uint32, len(messages)), nil
	}
	return uids, nil
}

var (
	_ storage.Dialer       = &Server{}
	_ storage.Connection   = &Connection{}
	_ storage.BulkAppender = &Connection{}
)
