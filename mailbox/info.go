package mailbox

import "github.com/creativeprojects/offmail/lib"

type Info struct {
	// The server's path separator.
	Delimiter string
	// The mailbox name.
	Name string
	// Attributes returned by the server (like \Trash or \Sent)
	Attributes []string
}

func ChangeDelimiter(info Info, delimiter string) Info {
	return Info{
		Delimiter:  delimiter,
		Name:       lib.VerifyDelimiter(info.Name, info.Delimiter, delimiter),
		Attributes: info.Attributes,
	}
}
