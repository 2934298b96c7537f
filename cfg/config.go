package cfg

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type AccountType string

const (
	IMAP AccountType = "imap"
)

const (
	DefaultMaxTryCount      = 3
	DefaultUnknownErrorStep = 2
	DefaultDeferredDelay    = 30 * time.Second
	DefaultUndoHistory      = 10
	DefaultOpTimeout        = 2 * time.Minute
	DefaultMaxProblems      = 20
	DefaultMaxConnections   = 3
)

type Config struct {
	// Store is the bbolt file holding the local state of every account
	Store string `yaml:"store"`
	// Outbox is the root of the maildir spool of messages to send
	Outbox   string             `yaml:"outbox"`
	Engine   Engine             `yaml:"engine"`
	Accounts map[string]Account `yaml:"accounts"`
}

type Engine struct {
	MaxTryCount      int           `yaml:"maxTryCount"`
	UnknownErrorStep int           `yaml:"unknownErrorStep"`
	DeferredDelay    time.Duration `yaml:"deferredDelay"`
	UndoHistory      int           `yaml:"undoHistory"`
	OpTimeout        time.Duration `yaml:"opTimeout"`
	MaxProblems      int           `yaml:"maxProblems"`
}

type Account struct {
	Type                AccountType `yaml:"type"`
	ServerURL           string      `yaml:"serverURL"`
	Username            string      `yaml:"username"`
	Password            string      `yaml:"password"`
	NoTLS               bool        `yaml:"noTLS"`
	SkipTLSVerification bool        `yaml:"skipTLSVerification"`
	Compress            bool        `yaml:"compress"`
	MaxConnections      int         `yaml:"maxConnections"`
	// bytes per second, zero means unlimited
	UploadRate   int     `yaml:"uploadRate"`
	DownloadRate int     `yaml:"downloadRate"`
	Folders      Folders `yaml:"folders"`
	SMTP         SMTP    `yaml:"smtp"`
	Disabled     bool    `yaml:"disabled"`
}

type Folders struct {
	Trash string `yaml:"trash"`
	Sent  string `yaml:"sent"`
}

type SMTP struct {
	ServerURL   string `yaml:"serverURL"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	From        string `yaml:"from"`
	NoTLS       bool   `yaml:"noTLS"`
	ImplicitTLS bool   `yaml:"implicitTLS"`
}

func newConfig() *Config {
	return &Config{
		Store:  "offmail.db",
		Outbox: "outbox",
		Engine: Engine{
			MaxTryCount:      DefaultMaxTryCount,
			UnknownErrorStep: DefaultUnknownErrorStep,
			DeferredDelay:    DefaultDeferredDelay,
			UndoHistory:      DefaultUndoHistory,
			OpTimeout:        DefaultOpTimeout,
			MaxProblems:      DefaultMaxProblems,
		},
	}
}

// LoadFromFile loads the configuration from the file
func LoadFromFile(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	return Load(file)
}

// Load reads the configuration from a io.ReadCloser
func Load(reader io.ReadCloser) (*Config, error) {
	defer reader.Close()
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := newConfig()
	err := decoder.Decode(config)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	err = validateConfiguration(config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// AccountIDs returns the account names in alphabetical order
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) Account(accountID string) (Account, error) {
	account, ok := c.Accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("account %q not found in configuration", accountID)
	}
	return account, nil
}

func validateConfiguration(config *Config) error {
	if config.Engine.MaxTryCount <= 0 {
		config.Engine.MaxTryCount = DefaultMaxTryCount
	}
	if config.Engine.UnknownErrorStep <= 0 {
		config.Engine.UnknownErrorStep = DefaultUnknownErrorStep
	}
	if config.Engine.DeferredDelay <= 0 {
		config.Engine.DeferredDelay = DefaultDeferredDelay
	}
	if config.Engine.UndoHistory <= 0 {
		config.Engine.UndoHistory = DefaultUndoHistory
	}
	if config.Engine.OpTimeout <= 0 {
		config.Engine.OpTimeout = DefaultOpTimeout
	}
	if config.Engine.MaxProblems <= 0 {
		config.Engine.MaxProblems = DefaultMaxProblems
	}
	for id, account := range config.Accounts {
		if account.Type == "" {
			account.Type = IMAP
		}
		if account.Type != IMAP {
			return fmt.Errorf("account %q: unsupported type %q", id, account.Type)
		}
		if account.ServerURL == "" {
			return fmt.Errorf("account %q: missing serverURL", id)
		}
		if account.MaxConnections <= 0 {
			account.MaxConnections = DefaultMaxConnections
		}
		if account.UploadRate < 0 || account.DownloadRate < 0 {
			return fmt.Errorf("account %q: negative rate limit", id)
		}
		if account.SMTP.Username == "" {
			account.SMTP.Username = account.Username
		}
		if account.SMTP.Password == "" {
			account.SMTP.Password = account.Password
		}
		if account.SMTP.From == "" {
			account.SMTP.From = account.Username
		}
		config.Accounts[id] = account
	}
	return nil
}
