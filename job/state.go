package job

import (
	"strings"
	"time"

	"github.com/creativeprojects/offmail/mailbox"
)

// MutationState is the per account overlay of server identifiers discovered by move and copy operations
type MutationState struct {
	SUIDToServerID map[mailbox.SUID]uint32
}

func (s *MutationState) ServerID(suid mailbox.SUID) (uint32, bool) {
	id, ok := s.SUIDToServerID[suid]
	return id, ok
}

// Apply merges a delta produced by a successful online phase
func (s *MutationState) Apply(delta *MutationStateDelta) {
	if delta == nil || len(delta.SUIDToServerID) == 0 {
		return
	}
	if s.SUIDToServerID == nil {
		s.SUIDToServerID = make(map[mailbox.SUID]uint32, len(delta.SUIDToServerID))
	}
	for suid, id := range delta.SUIDToServerID {
		s.SUIDToServerID[suid] = id
	}
}

func (s *MutationState) Clear() {
	s.SUIDToServerID = nil
}

func (s *MutationState) Len() int {
	return len(s.SUIDToServerID)
}

// Copy returns a snapshot safe to read from another goroutine
func (s *MutationState) Copy() MutationState {
	ids := make(map[mailbox.SUID]uint32, len(s.SUIDToServerID))
	for suid, id := range s.SUIDToServerID {
		ids[suid] = id
	}
	return MutationState{SUIDToServerID: ids}
}

// MutationStateDelta accumulates the changes of a single online phase
type MutationStateDelta struct {
	SUIDToServerID map[mailbox.SUID]uint32
}

func NewMutationStateDelta() *MutationStateDelta {
	return &MutationStateDelta{
		SUIDToServerID: make(map[mailbox.SUID]uint32),
	}
}

func (d *MutationStateDelta) SetServerID(suid mailbox.SUID, id uint32) {
	d.SUIDToServerID[suid] = id
}

func (d *MutationStateDelta) Empty() bool {
	return d == nil || len(d.SUIDToServerID) == 0
}

// Problem is a durable diagnostic left by an operation that gave up
type Problem struct {
	LongtermID string
	Type       Type
	Message    string
	Date       time.Time
}

// AccountRecord is everything the engine persists for an account
type AccountRecord struct {
	NextMutationNum uint64
	// Mutations is the undo history, oldest first. It contains every operation still pending.
	Mutations []*Operation
	// Queue is the order of the active queue
	Queue         []string
	MutationState MutationState
	Problems      []Problem
}

// AddProblem keeps the max latest problems
func (r *AccountRecord) AddProblem(problem Problem, max int) {
	r.Problems = append(r.Problems, problem)
	if max > 0 && len(r.Problems) > max {
		r.Problems = r.Problems[len(r.Problems)-max:]
	}
}

const encodeAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// EncodeInt encodes a number using a 64 characters alphabet keeping the ASCII sort order
// between numbers of the same length
func EncodeInt(value uint64) string {
	if value == 0 {
		return encodeAlphabet[:1]
	}
	buffer := make([]byte, 0, 11)
	for value > 0 {
		buffer = append(buffer, encodeAlphabet[value&63])
		value >>= 6
	}
	for i, j := 0, len(buffer)-1; i < j; i, j = i+1, j-1 {
		buffer[i], buffer[j] = buffer[j], buffer[i]
	}
	return string(buffer)
}

// DecodeInt is the reverse of EncodeInt
func DecodeInt(input string) (uint64, bool) {
	if input == "" {
		return 0, false
	}
	var value uint64
	for i := 0; i < len(input); i++ {
		index := strings.IndexByte(encodeAlphabet, input[i])
		if index < 0 {
			return 0, false
		}
		value = value<<6 | uint64(index)
	}
	return value, true
}

func NewLongtermID(accountID string, num uint64) string {
	return accountID + "/" + EncodeInt(num)
}

// AccountFromLongtermID returns the account part of a longterm ID
func AccountFromLongtermID(longtermID string) string {
	index := strings.LastIndexByte(longtermID, '/')
	if index < 0 {
		return ""
	}
	return longtermID[:index]
}
