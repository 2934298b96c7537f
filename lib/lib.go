package lib

import "strings"

const inbox = "INBOX"

func VerifyDelimiter(name, existingDelimiter, expectedDelimiter string) string {
	if existingDelimiter == expectedDelimiter {
		return name
	}
	name = strings.ReplaceAll(name, expectedDelimiter, "\\"+expectedDelimiter)
	// TODO: verify we're not replacing \existingDelimiter (escaped delimiter)
	name = strings.ReplaceAll(name, existingDelimiter, expectedDelimiter)
	return name
}

// SameFolderPath compares two folder paths the way most servers do: INBOX is
// case insensitive, and so is the rest of the path on servers normalizing case.
func SameFolderPath(a, b string) bool {
	if a == b {
		return true
	}
	return strings.EqualFold(a, b)
}

// FolderName returns the last element of the path
func FolderName(path, delimiter string) string {
	if strings.EqualFold(path, inbox) {
		return inbox
	}
	if delimiter == "" {
		return path
	}
	index := strings.LastIndex(path, delimiter)
	if index < 0 {
		return path
	}
	return path[index+len(delimiter):]
}
