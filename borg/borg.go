// Package borg renders borg command lines and environments, detects the
// installed borg version, and parses borg's JSON output. It builds argv
// slices only; process execution belongs to callers.
package borg

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultBinary is the borg executable resolved from PATH when no explicit
// path is configured.
const DefaultBinary = "borg"

// DefaultArchiveTemplate names new archives. Placeholders are expanded by
// borg itself at create time.
const DefaultArchiveTemplate = "{hostname}-{now:%Y-%m-%dT%H:%M:%S}"

// Client renders commands for one configured borg binary.
type Client struct {
	binary      string
	relocatedOK bool
	version     *Version
	logger      *zap.SugaredLogger
}

// NewClient creates a borg client. An empty binary selects DefaultBinary.
// relocatedOK suppresses borg's interactive prompt when a repository has
// moved on disk. A nil logger disables logging.
func NewClient(binary string, relocatedOK bool, logger *zap.SugaredLogger) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		binary:      binary,
		relocatedOK: relocatedOK,
		logger:      logger,
	}
}

// Binary returns the configured borg executable.
func (c *Client) Binary() string {
	return c.binary
}

// Env carries per-invocation secrets and acknowledgements for the borg
// environment. Values live only for the invocation that uses them.
type Env struct {
	// Passphrase unlocks the repository; empty for unencrypted repos.
	Passphrase string
	// KeyfilePath points at a decrypted key file on disk, if any.
	KeyfilePath string
	// RepairAck acknowledges borg's destructive-repair warning. Only set
	// by an authorized repair run.
	RepairAck bool
}

// Environ renders the environment overlay for one borg invocation.
func (c *Client) Environ(env Env) map[string]string {
	out := map[string]string{}
	if env.Passphrase != "" {
		out["BORG_PASSPHRASE"] = env.Passphrase
	}
	if env.KeyfilePath != "" {
		out["BORG_KEY_FILE"] = env.KeyfilePath
	}
	if c.relocatedOK {
		out["BORG_RELOCATED_REPO_ACCESS_IS_OK"] = "yes"
	}
	if env.RepairAck {
		out["BORG_CHECK_I_KNOW_WHAT_I_AM_DOING"] = "YES"
	}
	return out
}

// archiveRef renders borg's REPOSITORY::ARCHIVE positional argument.
func archiveRef(repository, archive string) string {
	return fmt.Sprintf("%s::%s", repository, archive)
}
