package job

import (
	"container/list"
)

const DefaultHistoryLimit = 10

// Queue holds the operations of one account: the arena of operations indexed by longterm ID,
// the active queue of operations waiting for their online phase (holding IDs only),
// and the undo history.
type Queue struct {
	limit   int
	ops     map[string]*Operation
	active  *list.List
	index   map[string]*list.Element
	history []string
}

func NewQueue(historyLimit int) *Queue {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Queue{
		limit:   historyLimit,
		ops:     make(map[string]*Operation),
		active:  list.New(),
		index:   make(map[string]*list.Element),
		history: make([]string, 0, historyLimit),
	}
}

// RestoreQueue rebuilds a queue from a persisted record. Operations still wanting something
// but missing from the persisted queue order are appended at the end.
func RestoreQueue(historyLimit int, record *AccountRecord) *Queue {
	q := NewQueue(historyLimit)
	if record == nil {
		return q
	}
	for _, op := range record.Mutations {
		if op == nil || op.LongtermID == "" {
			continue
		}
		q.ops[op.LongtermID] = op
		q.history = append(q.history, op.LongtermID)
	}
	for _, id := range record.Queue {
		op, ok := q.ops[id]
		if !ok || op.Desire == DesireNone {
			continue
		}
		q.Enqueue(id)
	}
	for _, id := range q.history {
		if q.ops[id].Desire != DesireNone {
			q.Enqueue(id)
		}
	}
	return q
}

// Add stores a new operation, appends it to the undo history and to the active queue
func (q *Queue) Add(op *Operation) {
	q.ops[op.LongtermID] = op
	q.history = append(q.history, op.LongtermID)
	q.Enqueue(op.LongtermID)
	q.Trim()
}

func (q *Queue) Get(longtermID string) (*Operation, bool) {
	op, ok := q.ops[longtermID]
	return op, ok
}

// Enqueue appends the operation at the end of the active queue, unless it is already in it
func (q *Queue) Enqueue(longtermID string) bool {
	if _, ok := q.ops[longtermID]; !ok {
		return false
	}
	if _, ok := q.index[longtermID]; ok {
		return false
	}
	q.index[longtermID] = q.active.PushBack(longtermID)
	return true
}

// Remove takes the operation off the active queue. It stays in the undo history.
func (q *Queue) Remove(longtermID string) bool {
	element, ok := q.index[longtermID]
	if !ok {
		return false
	}
	q.active.Remove(element)
	delete(q.index, longtermID)
	return true
}

// Head returns the first operation of the active queue, or nil
func (q *Queue) Head() *Operation {
	front := q.active.Front()
	if front == nil {
		return nil
	}
	return q.ops[front.Value.(string)]
}

func (q *Queue) Queued(longtermID string) bool {
	_, ok := q.index[longtermID]
	return ok
}

// Len is the length of the active queue
func (q *Queue) Len() int {
	return q.active.Len()
}

// Active returns the IDs of the active queue, head first
func (q *Queue) Active() []string {
	ids := make([]string, 0, q.active.Len())
	for element := q.active.Front(); element != nil; element = element.Next() {
		ids = append(ids, element.Value.(string))
	}
	return ids
}

// History returns the operations of the undo history, oldest first
func (q *Queue) History() []*Operation {
	ops := make([]*Operation, 0, len(q.history))
	for _, id := range q.history {
		ops = append(ops, q.ops[id])
	}
	return ops
}

// Trim evicts the oldest resolved operations while the history is over its limit.
// An operation is only evicted once it doesn't want anything anymore.
func (q *Queue) Trim() {
	for len(q.history) > q.limit {
		evict := -1
		for i, id := range q.history {
			if q.ops[id].Desire == DesireNone && !q.Queued(id) {
				evict = i
				break
			}
		}
		if evict < 0 {
			return
		}
		delete(q.ops, q.history[evict])
		q.history = append(q.history[:evict], q.history[evict+1:]...)
	}
}

// Pending counts the operations still wanting something
func (q *Queue) Pending() int {
	count := 0
	for _, op := range q.ops {
		if op.Desire != DesireNone {
			count++
		}
	}
	return count
}

// Fill copies the content of the queue into the record to persist
func (q *Queue) Fill(record *AccountRecord) {
	record.Mutations = q.History()
	record.Queue = q.Active()
}

// Discard forgets an operation completely, as if it was never added
func (q *Queue) Discard(longtermID string) {
	q.Remove(longtermID)
	delete(q.ops, longtermID)
	for i, id := range q.history {
		if id == longtermID {
			q.history = append(q.history[:i], q.history[i+1:]...)
			break
		}
	}
}
