package tasks

import (
	"encoding/json"

	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
)

// Spec is the task-list template stored in a schedule's spec_json column.
// Policy and config references are resolved against the record store when
// the task list is built, so a schedule always runs with the current
// version of its policies.
type Spec struct {
	Backup               *BackupDefinition `json:"backup,omitempty"`
	PrunePolicyID        *int64            `json:"prune_policy_id,omitempty"`
	CheckPolicyID        *int64            `json:"check_policy_id,omitempty"`
	CloudSyncConfigID    *int64            `json:"cloud_sync_config_id,omitempty"`
	NotificationConfigID *int64            `json:"notification_config_id,omitempty"`
	RecordInfo           bool              `json:"record_info,omitempty"`
	PreHooks             []HookDefinition  `json:"pre_hooks,omitempty"`
	PostHooks            []HookDefinition  `json:"post_hooks,omitempty"`
}

// Builder turns schedules into task lists. It is the single place that
// reads persisted per-task configuration; every definition it returns has
// already been resolved, so building is deterministic for a given store
// state.
type Builder struct {
	records *db.Records
}

// NewBuilder creates a builder over the record store.
func NewBuilder(records *db.Records) *Builder {
	return &Builder{records: records}
}

// Build resolves a schedule into its ordered task list and repository.
// Task order is fixed: pre-hooks, backup, prune, check, info, cloud sync,
// post-hooks, notification.
func (b *Builder) Build(schedule *db.Schedule) ([]jobs.TaskDefinition, *db.Repository, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(schedule.SpecJSON), &spec); err != nil {
		return nil, nil, errors.Wrapf(err, "schedule %d spec is malformed", schedule.ID)
	}

	repo, err := b.records.GetRepository(schedule.RepositoryID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "schedule %d repository", schedule.ID)
	}

	var defs []jobs.TaskDefinition
	for _, hook := range spec.PreHooks {
		defs = append(defs, hook)
	}
	if spec.Backup != nil {
		defs = append(defs, *spec.Backup)
	}
	if spec.PrunePolicyID != nil {
		def, err := b.pruneDefinition(*spec.PrunePolicyID)
		if err != nil {
			return nil, nil, err
		}
		defs = append(defs, def)
	}
	if spec.CheckPolicyID != nil {
		def, err := b.checkDefinition(*spec.CheckPolicyID)
		if err != nil {
			return nil, nil, err
		}
		defs = append(defs, def)
	}
	if spec.RecordInfo {
		defs = append(defs, InfoDefinition{})
	}
	if spec.CloudSyncConfigID != nil {
		cfg, err := b.records.GetCloudSyncConfig(*spec.CloudSyncConfigID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "schedule %d cloud-sync config", schedule.ID)
		}
		defs = append(defs, CloudSyncDefinition{ConfigID: cfg.ID, ConfigName: cfg.Name})
	}
	for _, hook := range spec.PostHooks {
		defs = append(defs, hook)
	}
	if spec.NotificationConfigID != nil {
		cfg, err := b.records.GetNotificationConfig(*spec.NotificationConfigID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "schedule %d notification config", schedule.ID)
		}
		defs = append(defs, NewNotificationDefinition(cfg.ID, cfg.Name,
			"Borgitory: "+schedule.Name, ""))
	}

	if len(defs) == 0 {
		return nil, nil, errors.NewInvalidRequestError(
			"schedule %d builds an empty task list", schedule.ID)
	}
	return defs, repo, nil
}

func (b *Builder) pruneDefinition(policyID int64) (PruneDefinition, error) {
	policy, err := b.records.GetPrunePolicy(policyID)
	if err != nil {
		return PruneDefinition{}, errors.Wrapf(err, "prune policy %d", policyID)
	}
	return PruneDefinition{
		PolicyName:     policy.Name,
		KeepWithinDays: policy.KeepWithinDays,
		KeepDaily:      policy.KeepDaily,
		KeepWeekly:     policy.KeepWeekly,
		KeepMonthly:    policy.KeepMonthly,
		KeepYearly:     policy.KeepYearly,
		ShowList:       policy.ShowList,
		ShowStats:      policy.ShowStats,
		SaveSpace:      policy.SaveSpace,
	}, nil
}

func (b *Builder) checkDefinition(policyID int64) (CheckDefinition, error) {
	policy, err := b.records.GetCheckPolicy(policyID)
	if err != nil {
		return CheckDefinition{}, errors.Wrapf(err, "check policy %d", policyID)
	}
	// Repair never comes from a schedule: the confirmation token is
	// per-run and scheduled runs have no one to confirm.
	return CheckDefinition{
		PolicyName:         policy.Name,
		CheckType:          policy.CheckType,
		VerifyData:         policy.VerifyData,
		SaveSpace:          policy.SaveSpace,
		ArchivePrefix:      policy.ArchivePrefix,
		ArchiveGlob:        policy.ArchiveGlob,
		FirstN:             policy.FirstN,
		LastN:              policy.LastN,
		MaxDurationSeconds: policy.MaxDurationSeconds,
	}, nil
}
