package tasks

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
)

// validate checks definition structs against their struct tags. One
// instance; validator caches its struct metadata internally.
var validate = validator.New()

func validateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return errors.Mark(err, errors.ErrInvalidRequest)
	}
	return nil
}

func marshalParams(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode task parameters")
	}
	return raw, nil
}

// BackupDefinition parameterizes one borg create run.
type BackupDefinition struct {
	Paths       []string `json:"paths" validate:"required,min=1,dive,required"`
	Excludes    []string `json:"excludes,omitempty"`
	Compression string   `json:"compression,omitempty"`
	ArchiveName string   `json:"archive_name,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

func (d BackupDefinition) Kind() jobs.TaskKind { return jobs.TaskBackup }

func (d BackupDefinition) Name() string {
	if d.DryRun {
		return "backup (dry run)"
	}
	return "backup"
}

func (d BackupDefinition) Validate() error { return validateStruct(d) }
func (d BackupDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }
func (d BackupDefinition) ContinueOnFailure() bool { return false }

// PruneDefinition parameterizes one borg prune run. The builder fills it
// from a persisted prune policy; nil keep fields leave the corresponding
// flag off.
type PruneDefinition struct {
	PolicyName     string `json:"policy_name,omitempty"`
	KeepWithinDays *int   `json:"keep_within_days,omitempty" validate:"omitempty,min=1"`
	KeepDaily      *int   `json:"keep_daily,omitempty" validate:"omitempty,min=0"`
	KeepWeekly     *int   `json:"keep_weekly,omitempty" validate:"omitempty,min=0"`
	KeepMonthly    *int   `json:"keep_monthly,omitempty" validate:"omitempty,min=0"`
	KeepYearly     *int   `json:"keep_yearly,omitempty" validate:"omitempty,min=0"`
	ShowList       bool   `json:"show_list,omitempty"`
	ShowStats      bool   `json:"show_stats,omitempty"`
	SaveSpace      bool   `json:"save_space,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

func (d PruneDefinition) Kind() jobs.TaskKind { return jobs.TaskPrune }

func (d PruneDefinition) Name() string {
	if d.PolicyName != "" {
		return "prune (" + d.PolicyName + ")"
	}
	return "prune"
}

// Validate additionally requires at least one retention rule; a prune
// with no keep flags would delete every archive.
func (d PruneDefinition) Validate() error {
	if err := validateStruct(d); err != nil {
		return err
	}
	if d.KeepWithinDays == nil && d.KeepDaily == nil && d.KeepWeekly == nil &&
		d.KeepMonthly == nil && d.KeepYearly == nil {
		return errors.NewInvalidRequestError("prune needs at least one keep rule")
	}
	return nil
}

func (d PruneDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }
func (d PruneDefinition) ContinueOnFailure() bool { return false }

// CheckDefinition parameterizes one borg check run. Repair mode requires
// ConfirmationToken to equal the job id at execution time; otherwise the
// run downgrades to a plain check.
type CheckDefinition struct {
	PolicyName         string `json:"policy_name,omitempty"`
	CheckType          string `json:"check_type" validate:"required,oneof=repository archives full"`
	VerifyData         bool   `json:"verify_data,omitempty"`
	RepairMode         bool   `json:"repair_mode,omitempty"`
	ConfirmationToken  string `json:"confirmation_token,omitempty"`
	SaveSpace          bool   `json:"save_space,omitempty"`
	ArchivePrefix      string `json:"archive_prefix,omitempty"`
	ArchiveGlob        string `json:"archive_glob,omitempty"`
	FirstN             *int   `json:"first_n,omitempty" validate:"omitempty,min=1"`
	LastN              *int   `json:"last_n,omitempty" validate:"omitempty,min=1"`
	MaxDurationSeconds *int   `json:"max_duration_seconds,omitempty" validate:"omitempty,min=1"`
}

func (d CheckDefinition) Kind() jobs.TaskKind { return jobs.TaskCheck }

func (d CheckDefinition) Name() string {
	if d.PolicyName != "" {
		return "check (" + d.PolicyName + ")"
	}
	return "check"
}

func (d CheckDefinition) Validate() error { return validateStruct(d) }
func (d CheckDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }
func (d CheckDefinition) ContinueOnFailure() bool { return false }

// CloudSyncDefinition points at a stored cloud-sync provider config.
type CloudSyncDefinition struct {
	ConfigID   int64  `json:"config_id" validate:"required,min=1"`
	ConfigName string `json:"config_name,omitempty"`
}

func (d CloudSyncDefinition) Kind() jobs.TaskKind { return jobs.TaskCloudSync }

func (d CloudSyncDefinition) Name() string {
	if d.ConfigName != "" {
		return "cloud sync (" + d.ConfigName + ")"
	}
	return "cloud sync"
}

func (d CloudSyncDefinition) Validate() error { return validateStruct(d) }
func (d CloudSyncDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }
func (d CloudSyncDefinition) ContinueOnFailure() bool { return false }

// NotificationDefinition points at a stored notification provider config
// plus the message template to expand. Delivery failures do not fail the
// job unless Critical is set.
type NotificationDefinition struct {
	ConfigID   int64  `json:"config_id" validate:"required,min=1"`
	ConfigName string `json:"config_name,omitempty"`
	Title      string `json:"title,omitempty"`
	Template   string `json:"template,omitempty"`

	// Critical makes a failed delivery fail the job.
	Critical bool `json:"critical,omitempty"`

	// ContinueOnFailureFlag mirrors into the parameter bag so the store
	// round-trips it.
	ContinueOnFailureFlag bool `json:"continue_on_failure"`
}

// NewNotificationDefinition applies the default: delivery failures are
// logged but do not fail the job.
func NewNotificationDefinition(configID int64, name, title, template string) NotificationDefinition {
	return NotificationDefinition{
		ConfigID:              configID,
		ConfigName:            name,
		Title:                 title,
		Template:              template,
		ContinueOnFailureFlag: true,
	}
}

func (d NotificationDefinition) Kind() jobs.TaskKind { return jobs.TaskNotification }

func (d NotificationDefinition) Name() string {
	if d.ConfigName != "" {
		return "notify (" + d.ConfigName + ")"
	}
	return "notify"
}

func (d NotificationDefinition) Validate() error { return validateStruct(d) }
func (d NotificationDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }

func (d NotificationDefinition) ContinueOnFailure() bool {
	return d.ContinueOnFailureFlag && !d.Critical
}

// DefaultHookTimeoutSeconds bounds a hook that declares no timeout.
const DefaultHookTimeoutSeconds = 300

// HookDefinition runs a user command through a shell before or after the
// borg tasks of a job.
type HookDefinition struct {
	HookName string `json:"hook_name" validate:"required"`
	Command  string `json:"command" validate:"required"`

	// Shell runs the command; empty selects /bin/sh.
	Shell string `json:"shell,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"omitempty,min=1"`

	// Env is overlaid on the child environment as given, after the
	// injected BORGITORY_* context variables.
	Env map[string]string `json:"env,omitempty"`

	// LogOutput streams the hook's output into the job buffer.
	LogOutput bool `json:"log_output,omitempty"`

	ContinueOnFailureFlag bool `json:"continue_on_failure"`
}

func (d HookDefinition) Kind() jobs.TaskKind { return jobs.TaskHook }

func (d HookDefinition) Name() string { return "hook (" + d.HookName + ")" }

func (d HookDefinition) Validate() error { return validateStruct(d) }
func (d HookDefinition) Parameters() (json.RawMessage, error) { return marshalParams(d) }
func (d HookDefinition) ContinueOnFailure() bool { return d.ContinueOnFailureFlag }

// CommandDefinition runs one raw borg command. Callers pass either an
// argv slice or a single command string, which is split with shell
// quoting rules.
type CommandDefinition struct {
	Argv []string `json:"argv,omitempty"`

	// Command is split into Argv by Validate when Argv is empty.
	Command string `json:"command,omitempty"`

	Env map[string]string `json:"env,omitempty"`
}

func (d CommandDefinition) Kind() jobs.TaskKind { return jobs.TaskCommand }

func (d CommandDefinition) Name() string {
	if len(d.Argv) > 0 {
		return "borg " + d.Argv[0]
	}
	return "borg command"
}

func (d CommandDefinition) Validate() error {
	if len(d.Argv) == 0 && d.Command == "" {
		return errors.NewInvalidRequestError("command needs argv or a command string")
	}
	if len(d.Argv) == 0 {
		if _, err := shellquote.Split(d.Command); err != nil {
			return errors.Mark(
				errors.Wrap(err, "command string is not shell-quotable"),
				errors.ErrInvalidRequest)
		}
	}
	return nil
}

func (d CommandDefinition) Parameters() (json.RawMessage, error) {
	if len(d.Argv) == 0 {
		argv, err := shellquote.Split(d.Command)
		if err != nil {
			return nil, errors.Wrap(err, "command string is not shell-quotable")
		}
		d.Argv = argv
	}
	return marshalParams(d)
}

func (d CommandDefinition) ContinueOnFailure() bool { return false }

// InfoDefinition records repository metadata. It never fails the job.
type InfoDefinition struct{}

func (d InfoDefinition) Kind() jobs.TaskKind { return jobs.TaskInfo }
func (d InfoDefinition) Name() string { return "repository info" }
func (d InfoDefinition) Validate() error { return nil }
func (d InfoDefinition) ContinueOnFailure() bool { return true }

func (d InfoDefinition) Parameters() (json.RawMessage, error) {
	return json.RawMessage(`{"continue_on_failure":true}`), nil
}
