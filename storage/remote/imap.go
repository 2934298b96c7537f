package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/creativeprojects/offmail/limitio"
	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/mailbox"
	"github.com/creativeprojects/offmail/storage"
	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"golang.org/x/time/rate"
)

const deletedFlag = "\\Deleted"

type Config struct {
	ServerURL           string
	Username            string
	Password            string
	DebugLogger         lib.Logger
	NoTLS               bool
	SkipTLSVerification bool
	// Compress enables COMPRESS=DEFLATE when the server supports it
	Compress bool
	// Timeout of a single command, zero for no timeout
	Timeout time.Duration
	// Limiters shared by all the connections of the account. Nil means no limit.
	DownloadLimiter *rate.Limiter
	UploadLimiter   *rate.Limiter
}

// Dialer opens authenticated IMAP connections
type Dialer struct {
	cfg Config
	log lib.Logger
}

func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("missing information from Config object")
	}
	log := cfg.DebugLogger
	if log == nil {
		log = &lib.NoLog{}
	}
	return &Dialer{
		cfg: cfg,
		log: log,
	}, nil
}

func (d *Dialer) Dial(ctx context.Context) (storage.Connection, error) {
	return NewImap(ctx, d.cfg)
}

// Imap is a connection to an IMAP server
type Imap struct {
	client        *client.Client
	uidplusClient *uidplus.Client
	log           lib.Logger
	delimiter     string
	selected      string
}

func NewImap(ctx context.Context, cfg Config) (*Imap, error) {
	log := cfg.DebugLogger
	if log == nil {
		log = &lib.NoLog{}
	}
	if cfg.ServerURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("missing information from Config object")
	}

	log.Printf("Connecting to server %s...", cfg.ServerURL)
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect to server %s: %s", lib.ErrConnectionLost, cfg.ServerURL, err)
	}
	if !cfg.NoTLS {
		host, _, _ := net.SplitHostPort(cfg.ServerURL)
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.SkipTLSVerification,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: TLS handshake with %s: %s", lib.ErrConnectionLost, cfg.ServerURL, err)
		}
		conn = tlsConn
	}
	conn = limitio.NewConn(conn, cfg.DownloadLimiter, cfg.UploadLimiter)

	imapClient, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", lib.ErrConnectionLost, err)
	}
	imapClient.Timeout = cfg.Timeout
	log.Print("Connected")

	if err := imapClient.Login(cfg.Username, cfg.Password); err != nil {
		_ = imapClient.Logout()
		if imapClient.State() == imap.LogoutState {
			return nil, fmt.Errorf("%w: %s", lib.ErrConnectionLost, err)
		}
		return nil, fmt.Errorf("%w: %s", lib.ErrAuthFailed, err)
	}
	log.Printf("Logged in as %s", cfg.Username)

	if cfg.Compress {
		compressClient := compress.NewClient(imapClient)
		if supported, err := compressClient.SupportCompress(compress.Deflate); err == nil && supported {
			if err := compressClient.Compress(compress.Deflate); err != nil {
				log.Printf("cannot enable compression: %s", err)
			} else {
				log.Print("compression enabled")
			}
		}
	}

	// try to enable UIDPLUS extension
	uidExt := uidplus.NewClient(imapClient)
	supported, err := uidExt.SupportUidPlus()
	if err != nil || !supported {
		log.Print("IMAP server does NOT support UIDPLUS extension")
		uidExt = nil
	}

	return &Imap{
		client:        imapClient,
		uidplusClient: uidExt,
		log:           log,
	}, nil
}

func (i *Imap) Close() error {
	i.log.Print("Closing connection")
	err := i.client.Logout()
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
	}
	return err
}

func (i *Imap) Delimiter() string {
	if i.delimiter == "" {
		_, _ = i.ListFolders()
	}
	return i.delimiter
}

func (i *Imap) SupportMessageID() bool {
	return i.uidplusClient != nil
}

// wrap classifies an error returned by the client
func (i *Imap) wrap(err error, path string) error {
	if err == nil {
		return nil
	}
	if i.client.State() == imap.LogoutState || isNetworkError(err) {
		return fmt.Errorf("%w: %s", lib.ErrConnectionLost, err)
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "no such mailbox") ||
		strings.Contains(message, "trycreate") ||
		strings.Contains(message, "doesn't exist") ||
		strings.Contains(message, "does not exist") {
		return fmt.Errorf("%w: %q: %s", lib.ErrFolderNotFound, path, err)
	}
	return fmt.Errorf("%q: %w", path, err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, client.ErrAlreadyLoggedOut) ||
		strings.Contains(err.Error(), "connection closed")
}

func (i *Imap) ListFolders() ([]mailbox.Info, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- i.client.List("", "*", mailboxes)
	}()

	i.log.Print("Listing mailboxes:")
	info := make([]mailbox.Info, 0, 10)
	for m := range mailboxes {
		i.log.Printf("* %q: %+v (delimiter = %q)", m.Name, m.Attributes, m.Delimiter)
		info = append(info, mailbox.Info{
			Delimiter:  m.Delimiter,
			Name:       m.Name,
			Attributes: m.Attributes,
		})
		// sets the delimiter (if not already set)
		if i.delimiter == "" {
			i.delimiter = m.Delimiter
		}
	}

	if err := <-done; err != nil {
		return nil, i.wrap(err, "")
	}
	return info, nil
}

func (i *Imap) CreateFolder(path string) error {
	i.log.Printf("Creating mailbox %q", path)
	return i.wrap(i.client.Create(path), path)
}

func (i *Imap) SelectFolder(path string) (*mailbox.Status, error) {
	i.log.Printf("Selecting mailbox %q", path)
	status, err := i.client.Select(path, false)
	if err != nil {
		i.selected = ""
		return nil, i.wrap(err, path)
	}
	i.selected = path
	return &mailbox.Status{
		Name:           status.Name,
		Flags:          status.Flags,
		PermanentFlags: status.PermanentFlags,
		Messages:       status.Messages,
		Unseen:         status.Unseen,
		UidValidity:    status.UidValidity,
		UidNext:        status.UidNext,
	}, nil
}

// ensureSelected avoids selecting the same mailbox again
func (i *Imap) ensureSelected(path string) (*imap.MailboxStatus, error) {
	if i.selected == path {
		if status := i.client.Mailbox(); status != nil {
			return status, nil
		}
	}
	if _, err := i.SelectFolder(path); err != nil {
		return nil, err
	}
	return i.client.Mailbox(), nil
}

func (i *Imap) FetchHeaders(path string, sinceUID uint32) ([]storage.RemoteMessage, error) {
	// always select again to get a fresh message count
	status, err := i.SelectFolder(path)
	if err != nil {
		return nil, err
	}
	if status.Messages == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(sinceUID+1, 0)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, imap.FetchRFC822Size}

	receiver := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- i.client.UidFetch(seqset, items, receiver)
	}()

	list := make([]storage.RemoteMessage, 0, status.Messages)
	for msg := range receiver {
		// the last message is always returned by a range ending with *
		if msg.Uid <= sinceUID {
			continue
		}
		remote := storage.RemoteMessage{
			UID:   msg.Uid,
			Flags: lib.SortFlags(lib.StripRecentFlag(msg.Flags)),
			Date:  msg.InternalDate,
			Size:  msg.Size,
		}
		if msg.Envelope != nil {
			remote.MessageID = msg.Envelope.MessageId
			remote.Subject = msg.Envelope.Subject
			if len(msg.Envelope.From) > 0 {
				remote.From = msg.Envelope.From[0].Address()
			}
		}
		list = append(list, remote)
	}
	if err := <-done; err != nil {
		return nil, i.wrap(err, path)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].UID < list[b].UID })
	return list, nil
}

func (i *Imap) FetchBody(path string, uid uint32) ([]byte, error) {
	if _, err := i.ensureSelected(path); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	receiver := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- i.client.UidFetch(seqset, items, receiver)
	}()

	var body []byte
	var readErr error
	for msg := range receiver {
		if msg.Uid != uid {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		body, readErr = io.ReadAll(literal)
	}
	if err := <-done; err != nil {
		return nil, i.wrap(err, path)
	}
	if readErr != nil {
		return nil, fmt.Errorf("cannot read message body: %w", readErr)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: uid %d in %q", lib.ErrMessageNotFound, uid, path)
	}
	return body, nil
}

func (i *Imap) StoreFlags(path string, uids []uint32, add, remove []string) error {
	if len(uids) == 0 {
		return nil
	}
	if _, err := i.ensureSelected(path); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	// IMAP server cannot accept the recent flag
	add = lib.StripRecentFlag(add)
	if len(add) > 0 {
		err := i.client.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flagValues(add), nil)
		if err != nil {
			return i.wrap(err, path)
		}
	}
	remove = lib.StripRecentFlag(remove)
	if len(remove) > 0 {
		err := i.client.UidStore(seqset, imap.FormatFlagsOp(imap.RemoveFlags, true), flagValues(remove), nil)
		if err != nil {
			return i.wrap(err, path)
		}
	}
	return nil
}

func flagValues(flags []string) []interface{} {
	values := make([]interface{}, len(flags))
	for i, flag := range flags {
		values[i] = flag
	}
	return values
}

func (i *Imap) CopyMessages(path string, uids []uint32, destination string) (map[uint32]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if _, err := i.ensureSelected(path); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	i.log.Printf("Copying %d messages from %q to %q", len(uids), path, destination)

	if i.uidplusClient == nil {
		return nil, i.wrap(i.client.UidCopy(seqset, destination), destination)
	}
	_, source, target, err := i.uidplusClient.UidCopy(seqset, destination)
	if err != nil {
		return nil, i.wrap(err, destination)
	}
	sourceUIDs := expandSeqSet(source)
	targetUIDs := expandSeqSet(target)
	if len(sourceUIDs) != len(targetUIDs) {
		i.log.Printf("unexpected COPYUID response: %v => %v", source, target)
		return nil, nil
	}
	copied := make(map[uint32]uint32, len(sourceUIDs))
	for index, uid := range sourceUIDs {
		copied[uid] = targetUIDs[index]
	}
	return copied, nil
}

// expandSeqSet lists the UIDs of a set in the order given by the server
func expandSeqSet(seqset *imap.SeqSet) []uint32 {
	if seqset == nil {
		return nil
	}
	uids := make([]uint32, 0, len(seqset.Set))
	for _, seq := range seqset.Set {
		if seq.Start == 0 || seq.Stop == 0 {
			continue
		}
		if seq.Start <= seq.Stop {
			for uid := seq.Start; uid <= seq.Stop; uid++ {
				uids = append(uids, uid)
			}
			continue
		}
		for uid := seq.Start; uid >= seq.Stop; uid-- {
			uids = append(uids, uid)
		}
	}
	return uids
}

// DeleteMessages flags the messages as deleted and expunges them.
// Without UIDPLUS, other messages flagged as deleted in the folder are expunged too.
func (i *Imap) DeleteMessages(path string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := i.StoreFlags(path, uids, []string{deletedFlag}, nil); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	var err error
	if i.uidplusClient != nil {
		err = i.uidplusClient.UidExpunge(seqset, nil)
	} else {
		err = i.client.Expunge(nil)
	}
	return i.wrap(err, path)
}

func (i *Imap) SearchMessageID(path, messageID string) ([]uint32, error) {
	if messageID == "" {
		return nil, nil
	}
	if _, err := i.ensureSelected(path); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)
	uids, err := i.client.UidSearch(criteria)
	if err != nil {
		return nil, i.wrap(err, path)
	}
	sort.Slice(uids, func(a, b int) bool { return uids[a] < uids[b] })
	return uids, nil
}

func (i *Imap) SearchUIDs(path string, uids []uint32) ([]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if _, err := i.ensureSelected(path); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddNum(uids...)
	found, err := i.client.UidSearch(criteria)
	if err != nil {
		return nil, i.wrap(err, path)
	}
	// a UID search of a single missing UID can return the last message of the folder
	existing := make([]uint32, 0, len(found))
	for _, uid := range found {
		for _, wanted := range uids {
			if uid == wanted {
				existing = append(existing, uid)
				break
			}
		}
	}
	sort.Slice(existing, func(a, b int) bool { return existing[a] < existing[b] })
	return existing, nil
}

func (i *Imap) AppendMessage(path string, message storage.AppendMessage) (uint32, error) {
	// IMAP server cannot accept the recent flag
	flags := lib.StripRecentFlag(message.Flags)
	date := message.Date
	if date.IsZero() {
		date = time.Now()
	}
	buffer := bytes.NewBuffer(message.Body)

	var uid uint32
	var err error
	if i.uidplusClient != nil {
		_, uid, err = i.uidplusClient.Append(path, flags, date, buffer)
	} else {
		err = i.client.Append(path, flags, date, buffer)
	}
	if err != nil {
		return 0, i.wrap(fmt.Errorf("cannot append new message (size=%d flags=%v): %w", len(message.Body), flags, err), path)
	}
	i.log.Printf("Message saved: mailbox=%q uid=%v size=%d flags=%v date=%q", path, uid, len(message.Body), flags, date)
	return uid, nil
}

var (
	_ storage.Dialer     = &Dialer{}
	_ storage.Connection = &Imap{}
)
