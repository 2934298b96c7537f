package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectFolderType(t *testing.T) {
	fixtures := []struct {
		name       string
		attributes []string
		expected   FolderType
	}{
		{"INBOX", nil, FolderInbox},
		{"Trash", nil, FolderTrash},
		{"Corbeille", []string{"\\HasNoChildren", "\\Trash"}, FolderTrash},
		{"Envoyés", []string{"\\Sent"}, FolderSent},
		{"Work", nil, FolderNormal},
	}
	for _, fixture := range fixtures {
		assert.Equal(t, fixture.expected, DetectFolderType(fixture.name, fixture.attributes))
	}
}

func TestChangeDelimiter(t *testing.T) {
	info := ChangeDelimiter(Info{Name: "Work/Project", Delimiter: "/"}, ".")
	assert.Equal(t, "Work.Project", info.Name)
	assert.Equal(t, ".", info.Delimiter)
}
