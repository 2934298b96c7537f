package job

import (
	"fmt"
	"testing"

	"github.com/creativeprojects/offmail/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOperation(num uint64, desire Desire) *Operation {
	return &Operation{
		LongtermID: NewLongtermID("account", num),
		AccountID:  "account",
		Desire:     desire,
		Payload:    &ModTags{Messages: []mailbox.SUID{mailbox.NewSUID("1", num)}, AddTags: []string{"\\Seen"}},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10)
	for i := uint64(1); i <= 3; i++ {
		q.Add(newTestOperation(i, DesireDo))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, NewLongtermID("account", 1), q.Head().LongtermID)

	assert.True(t, q.Remove(NewLongtermID("account", 1)))
	assert.False(t, q.Remove(NewLongtermID("account", 1)))
	assert.Equal(t, NewLongtermID("account", 2), q.Head().LongtermID)

	// back of the queue
	assert.True(t, q.Enqueue(NewLongtermID("account", 1)))
	assert.False(t, q.Enqueue(NewLongtermID("account", 1)))
	assert.Equal(t, []string{
		NewLongtermID("account", 2),
		NewLongtermID("account", 3),
		NewLongtermID("account", 1),
	}, q.Active())

	// still in the history
	assert.Len(t, q.History(), 3)
}

func TestQueueDiscard(t *testing.T) {
	q := NewQueue(10)
	q.Add(newTestOperation(1, DesireDo))
	q.Add(newTestOperation(2, DesireDo))

	q.Discard(NewLongtermID("account", 1))
	_, ok := q.Get(NewLongtermID("account", 1))
	assert.False(t, ok)
	assert.Equal(t, []string{NewLongtermID("account", 2)}, q.Active())
	require.Len(t, q.History(), 1)
	assert.Equal(t, NewLongtermID("account", 2), q.History()[0].LongtermID)
}

func TestQueueEnqueueUnknown(t *testing.T) {
	q := NewQueue(10)
	assert.False(t, q.Enqueue("account/1"))
	assert.Nil(t, q.Head())
}

func TestHistoryOnlyEvictsResolvedOperations(t *testing.T) {
	q := NewQueue(2)
	for i := uint64(1); i <= 4; i++ {
		q.Add(newTestOperation(i, DesireDo))
	}
	// nothing resolved yet
	assert.Len(t, q.History(), 4)

	op, ok := q.Get(NewLongtermID("account", 2))
	require.True(t, ok)
	op.Desire = DesireNone
	q.Remove(op.LongtermID)
	q.Trim()

	history := q.History()
	require.Len(t, history, 3)
	_, ok = q.Get(NewLongtermID("account", 2))
	assert.False(t, ok)

	for _, op := range history {
		op.Desire = DesireNone
		q.Remove(op.LongtermID)
	}
	q.Trim()
	history = q.History()
	require.Len(t, history, 2)
	// the oldest were evicted
	assert.Equal(t, NewLongtermID("account", 3), history[0].LongtermID)
	assert.Equal(t, NewLongtermID("account", 4), history[1].LongtermID)
}

func TestRestoreQueue(t *testing.T) {
	q := NewQueue(10)
	for i := uint64(1); i <= 4; i++ {
		q.Add(newTestOperation(i, DesireDo))
	}
	// 1 is done
	op, _ := q.Get(NewLongtermID("account", 1))
	op.Desire = DesireNone
	op.Status = StatusDone
	q.Remove(op.LongtermID)
	// 2 is deferred: off the active queue but still wanted
	q.Remove(NewLongtermID("account", 2))

	record := &AccountRecord{NextMutationNum: 5}
	q.Fill(record)

	restored := RestoreQueue(10, record)
	assert.Len(t, restored.History(), 4)
	assert.Equal(t, []string{
		NewLongtermID("account", 3),
		NewLongtermID("account", 4),
		NewLongtermID("account", 2),
	}, restored.Active())
	assert.Equal(t, 3, restored.Pending())
}

func TestEncodeInt(t *testing.T) {
	fixtures := []struct {
		value   uint64
		encoded string
	}{
		{0, "-"},
		{1, "0"},
		{10, "9"},
		{11, "A"},
		{63, "z"},
		{64, "0-"},
		{4096, "0--"},
	}
	for _, fixture := range fixtures {
		t.Run(fmt.Sprintf("%d", fixture.value), func(t *testing.T) {
			assert.Equal(t, fixture.encoded, EncodeInt(fixture.value))
			decoded, ok := DecodeInt(fixture.encoded)
			assert.True(t, ok)
			assert.Equal(t, fixture.value, decoded)
		})
	}
	_, ok := DecodeInt("/")
	assert.False(t, ok)
}

func TestEncodeIntKeepsOrder(t *testing.T) {
	previous := EncodeInt(64)
	for i := uint64(65); i < 4096; i++ {
		current := EncodeInt(i)
		assert.Less(t, previous, current)
		previous = current
	}
}

func TestLongtermID(t *testing.T) {
	id := NewLongtermID("work/imap", 12)
	assert.Equal(t, "work/imap/B", id)
	assert.Equal(t, "work/imap", AccountFromLongtermID(id))
	assert.Equal(t, "", AccountFromLongtermID("nothing"))
}
