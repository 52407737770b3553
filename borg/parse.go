package borg

import (
	"encoding/json"
	"strings"

	"github.com/borgitory/borgitory/errors"
)

// ProgressUpdate is one archive_progress record from borg's --log-json
// stderr stream.
type ProgressUpdate struct {
	Type             string `json:"type"`
	OriginalSize     int64  `json:"original_size"`
	CompressedSize   int64  `json:"compressed_size"`
	DeduplicatedSize int64  `json:"deduplicated_size"`
	NFiles           int    `json:"nfiles"`
	Path             string `json:"path"`
	Finished         bool   `json:"finished"`
}

// ParseProgress decodes a line if it is an archive_progress record.
func ParseProgress(line string) (*ProgressUpdate, bool) {
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var update ProgressUpdate
	if err := json.Unmarshal([]byte(line), &update); err != nil {
		return nil, false
	}
	if update.Type != "archive_progress" {
		return nil, false
	}
	return &update, true
}

// LogMessage is a log_message record from borg's --log-json stream.
type LogMessage struct {
	Type      string `json:"type"`
	LevelName string `json:"levelname"`
	Name      string `json:"name"`
	Message   string `json:"message"`
}

// ParseLogMessage decodes a line if it is a log_message record.
func ParseLogMessage(line string) (*LogMessage, bool) {
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var msg LogMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, false
	}
	if msg.Type != "log_message" {
		return nil, false
	}
	return &msg, true
}

// ArchiveStats are the size counters borg reports for one archive.
type ArchiveStats struct {
	OriginalSize     int64 `json:"original_size"`
	CompressedSize   int64 `json:"compressed_size"`
	DeduplicatedSize int64 `json:"deduplicated_size"`
	NFiles           int   `json:"nfiles"`
}

// CreateSummary is the JSON document borg create --json prints on success.
type CreateSummary struct {
	Archive struct {
		Name     string       `json:"name"`
		Start    string       `json:"start"`
		End      string       `json:"end"`
		Duration float64      `json:"duration"`
		Stats    ArchiveStats `json:"stats"`
	} `json:"archive"`
	Repository struct {
		ID       string `json:"id"`
		Location string `json:"location"`
	} `json:"repository"`
}

// ParseCreateSummary decodes the (possibly multi-line) summary document
// from accumulated stdout.
func ParseCreateSummary(output string) (*CreateSummary, error) {
	trimmed := strings.TrimSpace(output)
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return nil, errors.New("no JSON summary in output")
	}
	var summary CreateSummary
	if err := json.Unmarshal([]byte(trimmed[start:]), &summary); err != nil {
		return nil, errors.Wrap(err, "failed to parse create summary")
	}
	return &summary, nil
}

// RepositoryInfo is the document borg info --json prints.
type RepositoryInfo struct {
	Repository struct {
		ID           string `json:"id"`
		Location     string `json:"location"`
		LastModified string `json:"last_modified"`
	} `json:"repository"`
	Encryption struct {
		Mode string `json:"mode"`
	} `json:"encryption"`
	Cache struct {
		Stats struct {
			TotalSize       int64 `json:"total_size"`
			TotalCSize      int64 `json:"total_csize"`
			UniqueCSize     int64 `json:"unique_csize"`
			TotalUniqueSize int64 `json:"total_unique_chunks"`
		} `json:"stats"`
	} `json:"cache"`
}

// ParseRepositoryInfo decodes borg info --json output.
func ParseRepositoryInfo(output string) (*RepositoryInfo, error) {
	trimmed := strings.TrimSpace(output)
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return nil, errors.New("no JSON document in info output")
	}
	var info RepositoryInfo
	if err := json.Unmarshal([]byte(trimmed[start:]), &info); err != nil {
		return nil, errors.Wrap(err, "failed to parse repository info")
	}
	return &info, nil
}

// ArchiveEntry is one archive in borg list --json output.
type ArchiveEntry struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Start string `json:"start"`
	Time  string `json:"time"`
}

// ArchiveList is the document borg list --json prints.
type ArchiveList struct {
	Archives []ArchiveEntry `json:"archives"`
}

// ParseArchiveList decodes borg list --json output.
func ParseArchiveList(output string) (*ArchiveList, error) {
	trimmed := strings.TrimSpace(output)
	start := strings.Index(trimmed, "{")
	if start < 0 {
		return nil, errors.New("no JSON document in list output")
	}
	var list ArchiveList
	if err := json.Unmarshal([]byte(trimmed[start:]), &list); err != nil {
		return nil, errors.Wrap(err, "failed to parse archive list")
	}
	return &list, nil
}
