package mailbox

import (
	"strconv"
	"strings"
)

// SUID is the local unique identifier of a message inside an account: the
// folder ID and the local message ID separated by a slash.
// It never depends on the identifier given by the server.
type SUID string

func NewSUID(folderID string, id uint64) SUID {
	return SUID(folderID + "/" + strconv.FormatUint(id, 10))
}

func (s SUID) FolderID() string {
	index := strings.LastIndexByte(string(s), '/')
	if index < 0 {
		return ""
	}
	return string(s)[:index]
}

func (s SUID) ID() uint64 {
	index := strings.LastIndexByte(string(s), '/')
	id, _ := strconv.ParseUint(string(s)[index+1:], 10, 64)
	return id
}

func (s SUID) IsZero() bool {
	return s == ""
}

func (s SUID) String() string {
	return string(s)
}
