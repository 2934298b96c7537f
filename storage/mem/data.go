package mem

import (
	"sort"
	"time"

	"github.com/creativeprojects/offmail/lib"
)

type memMessage struct {
	content   []byte
	flags     []string
	date      time.Time
	messageID string
}

type memMailbox struct {
	name        string
	attributes  []string
	uidValidity uint32
	currentUid  uint32
	messages    map[uint32]*memMessage
}

func newMailbox(name string, attributes []string) *memMailbox {
	return &memMailbox{
		name:        name,
		attributes:  attributes,
		uidValidity: lib.NewUID(),
		messages:    make(map[uint32]*memMessage),
	}
}

func (m *memMailbox) newMessage(content []byte, flags []string, date time.Time) uint32 {
	messageID := ""
	if envelope, err := lib.ParseEnvelope(content); err == nil {
		messageID = envelope.MessageID
	}
	m.currentUid++
	m.messages[m.currentUid] = &memMessage{
		content:   content,
		flags:     lib.SortFlags(lib.StripRecentFlag(flags)),
		date:      date,
		messageID: messageID,
	}
	return m.currentUid
}

// uids returns the UIDs of the mailbox in ascending order
func (m *memMailbox) uids() []uint32 {
	uids := make([]uint32, 0, len(m.messages))
	for uid := range m.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}
