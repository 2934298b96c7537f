package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/creativeprojects/offmail/cfg"
	"github.com/creativeprojects/offmail/term"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "offmail",
	Short:         "Offline first mail client: changes are made locally and replayed on the server",
	Long:          "\nOffline first mail client: changes are made locally and replayed on the server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[annotationNoConfig] != "" {
			return nil
		}
		return initConfig()
	},
}

// commands with this annotation don't need the configuration file
const annotationNoConfig = "noConfig"

func init() {
	cobra.OnInitialize(initLog)
	flag := rootCmd.PersistentFlags()
	flag.StringVarP(&global.configFile, "config", "c", "offmail.yaml", "configuration file")
	flag.BoolVarP(&global.quiet, "quiet", "q", false, "only display warnings and errors")
	flag.BoolVarP(&global.verbose, "verbose", "v", false, "display debugging information")
	flag.BoolVar(&global.flush, "flush", false, "send the operations to the server before exiting")
	flag.DurationVar(&global.timeout, "timeout", 5*time.Minute, "maximum time spent waiting for the server")
}

func initConfig() error {
	var err error
	config, err = cfg.LoadFromFile(global.configFile)
	if err != nil {
		return fmt.Errorf("cannot open or read configuration file: %w", err)
	}
	return nil
}

func initLog() {
	switch {
	case global.verbose:
		term.SetLevel(term.LevelDebug)
	case global.quiet:
		term.SetLevel(term.LevelWarn)
	}
}

func Execute(version, commit, date, builtBy string) {
	setApp(version, commit, date, builtBy)
	if err := rootCmd.Execute(); err != nil {
		term.Error(err)
		os.Exit(1)
	}
}
