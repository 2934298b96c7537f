package mdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"github.com/emersion/go-maildir"
)

const stateDir = "state"

// Outbox is a spool of messages waiting to be sent, stored in a maildir.
// The send state of each message is kept in a JSON file next to the maildir.
type Outbox struct {
	root   string
	dir    maildir.Dir
	domain string
	log    lib.Logger
	mu     sync.Mutex
}

type messageState struct {
	State     storage.SendState `json:"state,omitempty"`
	LastError string            `json:"lastError,omitempty"`
	Queued    time.Time         `json:"queued"`
}

func New(root string) (*Outbox, error) {
	return NewWithLogger(root, "", nil)
}

// NewWithLogger opens or creates the outbox at root. Domain is used to generate
// the Message-ID of messages queued without one.
func NewWithLogger(root, domain string, logger lib.Logger) (*Outbox, error) {
	if runtime.GOOS == "windows" {
		return nil, errors.New("maildir is not supported on Windows")
	}
	if logger == nil {
		logger = &lib.NoLog{}
	}
	err := os.MkdirAll(filepath.Join(root, stateDir), 0700)
	if err != nil {
		return nil, err
	}
	dir := maildir.Dir(root)
	if _, err := os.Stat(filepath.Join(root, "cur")); errors.Is(err, os.ErrNotExist) {
		if err := dir.Init(); err != nil {
			return nil, fmt.Errorf("cannot initialize outbox: %w", err)
		}
	}
	return &Outbox{
		root:   root,
		dir:    dir,
		domain: domain,
		log:    logger,
	}, nil
}

func (o *Outbox) Root() string {
	return o.root
}

// Queue saves a new message in the outbox, adding a Message-ID header if missing, and returns its key
func (o *Outbox) Queue(body []byte) (string, error) {
	body, messageID := lib.EnsureMessageID(body, o.domain)
	if _, err := lib.ParseEnvelope(body); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	msg, writer, err := o.dir.Create(nil)
	if err != nil {
		return "", err
	}
	_, err = writer.Write(body)
	if err != nil {
		_ = writer.Close()
		_ = os.Remove(msg.Filename())
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	err = o.setStateLocked(msg.Key(), &messageState{Queued: time.Now()})
	if err != nil {
		return "", err
	}
	o.log.Printf("message %s queued in outbox: key=%q size=%d", messageID, msg.Key(), len(body))
	return msg.Key(), nil
}

// List returns the messages of the outbox in the order they were queued
func (o *Outbox) List() ([]storage.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs, err := o.dir.Messages()
	if err != nil {
		return nil, err
	}
	list := make([]storage.OutboxMessage, 0, len(msgs))
	queued := make(map[string]time.Time, len(msgs))
	for _, msg := range msgs {
		key := msg.Key()
		body, err := readMessage(msg)
		if err != nil {
			return nil, err
		}
		message := storage.OutboxMessage{Key: key}
		if envelope, err := lib.ParseEnvelope(body); err == nil {
			message.MessageID = envelope.MessageID
			message.From = envelope.From
			message.To = envelope.Recipients
			message.Subject = envelope.Subject
			message.Date = envelope.Date
		}
		state, err := o.getStateLocked(key)
		if err != nil {
			o.log.Printf("no send state for outbox message %q: %s", key, err)
			state = &messageState{}
			if info, err := os.Stat(msg.Filename()); err == nil {
				state.Queued = info.ModTime()
			}
		}
		message.State = state.State
		message.LastError = state.LastError
		queued[key] = state.Queued
		list = append(list, message)
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := queued[list[i].Key], queued[list[j].Key]
		if a.Equal(b) {
			return list[i].Key < list[j].Key
		}
		return a.Before(b)
	})
	return list, nil
}

func (o *Outbox) Body(key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg, err := o.dir.MessageByKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox key %q", lib.ErrMessageNotFound, key)
	}
	return readMessage(msg)
}

// SetState records the send state of a message
func (o *Outbox) SetState(key string, state storage.SendState, lastError string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.dir.MessageByKey(key); err != nil {
		return fmt.Errorf("%w: outbox key %q", lib.ErrMessageNotFound, key)
	}
	current, err := o.getStateLocked(key)
	if err != nil {
		current = &messageState{Queued: time.Now()}
	}
	current.State = state
	current.LastError = lastError
	return o.setStateLocked(key, current)
}

// Remove deletes a message from the outbox. Removing a missing message is not an error.
func (o *Outbox) Remove(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg, err := o.dir.MessageByKey(key)
	if err == nil {
		if err := msg.Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	err = os.Remove(o.stateFile(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	o.log.Printf("message %q removed from outbox", key)
	return nil
}

func (o *Outbox) stateFile(key string) string {
	return filepath.Join(o.root, stateDir, key+".json")
}

func (o *Outbox) setStateLocked(key string, state *messageState) error {
	file, err := os.CreateTemp(filepath.Join(o.root, stateDir), ".tmp-*")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(file)
	err = encoder.Encode(state)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(file.Name())
		return err
	}
	return os.Rename(file.Name(), o.stateFile(key))
}

func (o *Outbox) getStateLocked(key string) (*messageState, error) {
	file, err := os.Open(o.stateFile(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrStatusNotFound, err)
	}
	defer file.Close()

	state := &messageState{}
	decoder := json.NewDecoder(file)
	err = decoder.Decode(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", lib.ErrStatusNotFound, err)
	}
	return state, nil
}

func readMessage(msg *maildir.Message) ([]byte, error) {
	file, err := msg.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open key %q: %w", msg.Key(), err)
	}
	defer file.Close()

	return io.ReadAll(file)
}

var _ storage.Outbox = &Outbox{}
