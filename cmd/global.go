package cmd

import (
	"time"

	"github.com/creativeprojects/offmail/cfg"
)

type GlobalFlags struct {
	configFile string
	quiet      bool
	verbose    bool
	// flush sends the new operations to the server before exiting
	flush   bool
	timeout time.Duration
}

var (
	global GlobalFlags
	config *cfg.Config
)
