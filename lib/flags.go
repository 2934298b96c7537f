package lib

import (
	"sort"

	"github.com/emersion/go-imap"
)

func StripRecentFlag(source []string) []string {
	output := make([]string, 0, len(source))
	for _, flag := range source {
		if flag == imap.RecentFlag {
			continue
		}
		output = append(output, flag)
	}
	return output
}

// AddFlag inserts flag into the sorted list and returns the new list, and
// whether it was missing before.
func AddFlag(flags []string, flag string) ([]string, bool) {
	index := sort.SearchStrings(flags, flag)
	if index < len(flags) && flags[index] == flag {
		return flags, false
	}
	flags = append(flags, "")
	copy(flags[index+1:], flags[index:])
	flags[index] = flag
	return flags, true
}

// RemoveFlag removes flag from the sorted list and returns the new list, and
// whether it was present before.
func RemoveFlag(flags []string, flag string) ([]string, bool) {
	index := sort.SearchStrings(flags, flag)
	if index >= len(flags) || flags[index] != flag {
		return flags, false
	}
	return append(flags[:index], flags[index+1:]...), true
}

// HasFlag expects flags to be sorted
func HasFlag(flags []string, flag string) bool {
	index := sort.SearchStrings(flags, flag)
	return index < len(flags) && flags[index] == flag
}

// SortFlags returns a sorted copy without duplicates
func SortFlags(source []string) []string {
	output := make([]string, 0, len(source))
	for _, flag := range source {
		output, _ = AddFlag(output, flag)
	}
	return output
}
