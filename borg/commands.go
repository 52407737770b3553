package borg

import (
	"fmt"
	"strconv"
)

// CreateOptions parameterizes borg create.
type CreateOptions struct {
	Repository  string
	ArchiveName string
	SourcePaths []string
	Excludes    []string
	Compression string
	DryRun      bool
	ShowStats   bool
	ShowList    bool
	Progress    bool
}

// CreateCommand renders a borg create invocation. An empty archive name
// falls back to DefaultArchiveTemplate; stats are omitted on dry runs
// because borg rejects the combination.
func (c *Client) CreateCommand(opts CreateOptions) []string {
	argv := []string{c.binary, "create", "--log-json"}

	if opts.DryRun {
		argv = append(argv, "--dry-run")
	} else if opts.ShowStats {
		argv = append(argv, "--stats", "--json")
	}
	if opts.ShowList {
		argv = append(argv, "--list")
	}
	if opts.Progress {
		argv = append(argv, "--progress")
	}
	if opts.Compression != "" {
		argv = append(argv, "--compression", opts.Compression)
	}
	for _, pattern := range opts.Excludes {
		argv = append(argv, "--exclude", pattern)
	}

	archive := opts.ArchiveName
	if archive == "" {
		archive = DefaultArchiveTemplate
	}
	argv = append(argv, archiveRef(opts.Repository, archive))
	argv = append(argv, opts.SourcePaths...)
	return argv
}

// PruneOptions parameterizes borg prune. Nil keep fields leave the
// corresponding flag off the command line.
type PruneOptions struct {
	Repository     string
	KeepWithinDays *int
	KeepDaily      *int
	KeepWeekly     *int
	KeepMonthly    *int
	KeepYearly     *int
	ShowList       bool
	ShowStats      bool
	SaveSpace      bool
	DryRun         bool
}

// PruneCommand renders a borg prune invocation.
func (c *Client) PruneCommand(opts PruneOptions) []string {
	argv := []string{c.binary, "prune", "--log-json"}

	if opts.DryRun {
		argv = append(argv, "--dry-run")
	}
	if opts.ShowList {
		argv = append(argv, "--list")
	}
	if opts.ShowStats && !opts.DryRun {
		argv = append(argv, "--stats")
	}
	if opts.SaveSpace {
		argv = append(argv, "--save-space")
	}
	if opts.KeepWithinDays != nil {
		argv = append(argv, "--keep-within", fmt.Sprintf("%dd", *opts.KeepWithinDays))
	}
	for _, keep := range []struct {
		flag  string
		value *int
	}{
		{"--keep-daily", opts.KeepDaily},
		{"--keep-weekly", opts.KeepWeekly},
		{"--keep-monthly", opts.KeepMonthly},
		{"--keep-yearly", opts.KeepYearly},
	} {
		if keep.value != nil {
			argv = append(argv, keep.flag, strconv.Itoa(*keep.value))
		}
	}

	argv = append(argv, opts.Repository)
	return argv
}

// Check scopes accepted by CheckOptions.CheckType.
const (
	CheckRepository = "repository"
	CheckArchives   = "archives"
	CheckFull       = "full"
)

// CheckOptions parameterizes borg check. Repair must only be set by a run
// that passed the repair confirmation gate.
type CheckOptions struct {
	Repository         string
	CheckType          string
	VerifyData         bool
	Repair             bool
	SaveSpace          bool
	ArchivePrefix      string
	ArchiveGlob        string
	FirstN             *int
	LastN              *int
	MaxDurationSeconds *int
}

// CheckCommand renders a borg check invocation. An archive prefix becomes
// a glob on borg >= 1.2; older versions get the deprecated prefix flag.
func (c *Client) CheckCommand(opts CheckOptions) []string {
	argv := []string{c.binary, "check", "--log-json"}

	switch opts.CheckType {
	case CheckRepository:
		argv = append(argv, "--repository-only")
	case CheckArchives:
		argv = append(argv, "--archives-only")
	}

	if opts.VerifyData {
		argv = append(argv, "--verify-data")
	}
	if opts.Repair {
		argv = append(argv, "--repair")
	}
	if opts.SaveSpace {
		argv = append(argv, "--save-space")
	}

	glob := opts.ArchiveGlob
	if glob == "" && opts.ArchivePrefix != "" {
		glob = opts.ArchivePrefix + "*"
	}
	if glob != "" {
		if c.supportsGlobArchives() {
			argv = append(argv, "--glob-archives", glob)
		} else if opts.ArchivePrefix != "" {
			// Older binaries only filter by prefix; a glob with no
			// prefix behind it cannot be expressed, and an empty
			// --prefix would match every archive.
			argv = append(argv, "--prefix", opts.ArchivePrefix)
		}
	}

	if opts.FirstN != nil {
		argv = append(argv, "--first", strconv.Itoa(*opts.FirstN))
	}
	if opts.LastN != nil {
		argv = append(argv, "--last", strconv.Itoa(*opts.LastN))
	}
	if opts.MaxDurationSeconds != nil {
		argv = append(argv, "--max-duration", strconv.Itoa(*opts.MaxDurationSeconds))
	}

	argv = append(argv, opts.Repository)
	return argv
}

// InfoCommand renders borg info with JSON output for the repository.
func (c *Client) InfoCommand(repository string) []string {
	return []string{c.binary, "info", "--json", repository}
}

// ListCommand renders borg list with JSON output for the repository.
func (c *Client) ListCommand(repository string) []string {
	return []string{c.binary, "list", "--json", repository}
}

// RawCommand prefixes arbitrary borg arguments with the configured binary.
// Used by the single-command task path.
func (c *Client) RawCommand(args []string) []string {
	return append([]string{c.binary}, args...)
}

// VersionCommand renders the version probe.
func (c *Client) VersionCommand() []string {
	return []string{c.binary, "--version"}
}
