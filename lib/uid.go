package lib

import (
	"math/rand"
	"time"
)

var uidSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// NewUID returns a random non-zero value, used for UIDVALIDITY of new folders
func NewUID() uint32 {
	for {
		if uid := uidSource.Uint32(); uid != 0 {
			return uid
		}
	}
}
