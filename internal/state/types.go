package state

import (
	"time"
)

// Status is the lifecycle state of a mirrored repository.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusUnsynced Status = "unsynced"
	StatusQueued   Status = "queued"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusDeleted  Status = "deleted"
)

// InFlight reports whether the status counts against the global
// concurrency cap (a provider-side job exists or is being created).
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusSyncing
}

// Terminal reports whether the status is an end state for a migration run.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusFailed
}

// Endpoint describes one side (source or target) of a sync pair.
type Endpoint struct {
	HostLabel  string `json:"hostLabel"`
	RESTBase   string `json:"restBase"`
	GraphQLURL string `json:"graphqlUrl"`
	Enterprise string `json:"enterprise,omitempty"`
	Org        string `json:"org"`
}

// SyncConfig is a configured source-org to target-org replication pair.
// Credentials are never stored here; they live in the secret store keyed
// by the sync ID.
type SyncConfig struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Source          Endpoint   `json:"source"`
	Target          Endpoint   `json:"target"`
	IncludePatterns []string   `json:"includePatterns,omitempty"`
	ExcludePatterns []string   `json:"excludePatterns,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`
	Enabled         bool       `json:"enabled"`
	Archived        bool       `json:"archived"`
}

// RepoMetadata holds source-side repository details refreshed by the
// status worker. Absence of the whole struct means "never fetched".
type RepoMetadata struct {
	Description      string           `json:"description,omitempty"`
	PrimaryLanguage  string           `json:"primaryLanguage,omitempty"`
	Languages        map[string]int64 `json:"languages,omitempty"`
	DiskSizeKB       int64            `json:"diskSizeKb,omitempty"`
	CommitCount      int              `json:"commitCount,omitempty"`
	BranchCount      int              `json:"branchCount,omitempty"`
	ArchivedAtSource bool             `json:"archivedAtSource,omitempty"`
}

// LogDescriptor records a downloaded migration log.
type LogDescriptor struct {
	Path         string    `json:"path"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// RepoRecord tracks one repository under one sync.
type RepoRecord struct {
	ID             string         `json:"id"`
	SyncID         string         `json:"syncId"`
	Name           string         `json:"name"`
	Visibility     string         `json:"visibility"`
	Status         Status         `json:"status"`
	MigrationID    string         `json:"migrationId,omitempty"`
	QueuedAt       *time.Time     `json:"queuedAt,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
	ElapsedSeconds *int64         `json:"elapsedSeconds,omitempty"`
	LastUpdate     time.Time      `json:"lastUpdate"`
	LastPolledAt   *time.Time     `json:"lastPolledAt,omitempty"`
	LastChecked    *time.Time     `json:"lastChecked,omitempty"`
	LastPushed     *time.Time     `json:"lastPushed,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	Archived       bool           `json:"archived"`
	// ArchivedWithSync marks records swept up by a sync archive, as
	// opposed to records archived individually (e.g. vanished from the
	// source). Only marked records come back when the sync is
	// unarchived.
	ArchivedWithSync bool `json:"archivedWithSync,omitempty"`
	Metadata       *RepoMetadata  `json:"metadata,omitempty"`
	Logs           *LogDescriptor `json:"logs,omitempty"`
}

// DiscoveryConfig tunes the discovery worker.
type DiscoveryConfig struct {
	RunIntervalMinutes int `json:"runIntervalMinutes"`
}

// StatusConfig tunes the status worker.
type StatusConfig struct {
	RunIntervalMinutes int `json:"runIntervalMinutes"`
	RecheckAgeMinutes  int `json:"recheckAgeMinutes"`
	BatchSize          int `json:"batchSize"`
}

// MigrationConfig tunes the migration worker.
type MigrationConfig struct {
	RunIntervalMinutes  int `json:"runIntervalMinutes"`
	MaxConcurrentQueued int `json:"maxConcurrentQueued"`
}

// ProgressConfig tunes the progress worker.
type ProgressConfig struct {
	RunIntervalMinutes  int `json:"runIntervalMinutes"`
	StaleTimeoutMinutes int `json:"staleTimeoutMinutes"`
}

// WorkerConfig is the persisted process-wide worker tuning singleton.
type WorkerConfig struct {
	Discovery DiscoveryConfig `json:"discovery"`
	Status    StatusConfig    `json:"status"`
	Migration MigrationConfig `json:"migration"`
	Progress  ProgressConfig  `json:"progress"`
}

// DefaultWorkerConfig returns the documented defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Discovery: DiscoveryConfig{RunIntervalMinutes: 1},
		Status:    StatusConfig{RunIntervalMinutes: 1, RecheckAgeMinutes: 5, BatchSize: 1},
		Migration: MigrationConfig{RunIntervalMinutes: 1, MaxConcurrentQueued: 10},
		Progress:  ProgressConfig{RunIntervalMinutes: 1, StaleTimeoutMinutes: 120},
	}
}

// Clamp forces every field into its allowed range, falling back to the
// default when a value is zero or out of bounds on the low side.
func (wc WorkerConfig) Clamp() WorkerConfig {
	def := DefaultWorkerConfig()
	wc.Discovery.RunIntervalMinutes = clampInt(wc.Discovery.RunIntervalMinutes, 1, 60, def.Discovery.RunIntervalMinutes)
	wc.Status.RunIntervalMinutes = clampInt(wc.Status.RunIntervalMinutes, 1, 60, def.Status.RunIntervalMinutes)
	wc.Status.RecheckAgeMinutes = clampInt(wc.Status.RecheckAgeMinutes, 1, 60, def.Status.RecheckAgeMinutes)
	wc.Status.BatchSize = clampInt(wc.Status.BatchSize, 1, 50, def.Status.BatchSize)
	wc.Migration.RunIntervalMinutes = clampInt(wc.Migration.RunIntervalMinutes, 1, 60, def.Migration.RunIntervalMinutes)
	// 0 is meaningful for the cap: it freezes the migration worker.
	if wc.Migration.MaxConcurrentQueued < 0 || wc.Migration.MaxConcurrentQueued > 100 {
		wc.Migration.MaxConcurrentQueued = def.Migration.MaxConcurrentQueued
	}
	wc.Progress.RunIntervalMinutes = clampInt(wc.Progress.RunIntervalMinutes, 1, 60, def.Progress.RunIntervalMinutes)
	wc.Progress.StaleTimeoutMinutes = clampInt(wc.Progress.StaleTimeoutMinutes, 30, 1440, def.Progress.StaleTimeoutMinutes)
	return wc
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AdminConfig gates mutating API calls behind an operator allowlist.
type AdminConfig struct {
	Enabled   bool     `json:"enabled"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// Snapshot is the full state view handed to the API and SSE stream.
type Snapshot struct {
	Version int                   `json:"version"`
	Syncs   map[string]SyncConfig `json:"syncs"`
	Repos   map[string]RepoRecord `json:"repos"`
}
