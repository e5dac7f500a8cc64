package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Status is the lifecycle state of a backup record.
type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

var statusToString = map[Status]string{
	Pending:   "pending",
	Completed: "completed",
	Failed:    "failed",
}

var stringToStatus map[string]Status

// BackupType labels a backup. Both types are archived as whole-tree snapshots.
type BackupType string

const (
	Full        BackupType = "full"
	Incremental BackupType = "incremental"
)

var backupTypeToString = map[BackupType]string{
	Full:        "full",
	Incremental: "incremental",
}

var stringToBackupType map[string]BackupType

func init() {
	stringToStatus = util.InvertMap(statusToString)
	stringToBackupType = util.InvertMap(backupTypeToString)
}

func (s Status) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_status(%s)", string(s))
}

// IsTerminal reports whether no further status change is allowed.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}

func ParseStatus(s string) (Status, error) {
	if status, ok := stringToStatus[s]; ok {
		return status, nil
	}
	return "", fmt.Errorf("invalid status: %q. Must be 'pending', 'completed', or 'failed'", s)
}

// MarshalJSON implements the json.Marshaler interface for Status.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("status should be a string, got %s", data)
	}
	status, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = status
	return nil
}

func (t BackupType) String() string {
	if str, ok := backupTypeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("unknown_backup_type(%s)", string(t))
}

// ParseBackupType parses a backup type. An empty string means full.
func ParseBackupType(s string) (BackupType, error) {
	if s == "" {
		return Full, nil
	}
	if t, ok := stringToBackupType[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("invalid backup type: %q. Must be 'full' or 'incremental'", s)
}

// MarshalJSON implements the json.Marshaler interface for BackupType.
func (t BackupType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for BackupType.
func (t *BackupType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("backup type should be a string, got %s", data)
	}
	bt, err := ParseBackupType(str)
	if err != nil {
		return err
	}
	*t = bt
	return nil
}

// Record is one tracked backup.
//
// DestinationPath holds the expected archive path while the record is pending,
// the archive path once it is completed, and is empty once it has failed.
// SizeMB is only meaningful for completed records.
type Record struct {
	ID              string     `json:"backup_id"`
	DataSource      string     `json:"data_source"`
	DestinationPath string     `json:"destination_path"`
	Timestamp       time.Time  `json:"timestamp"`
	Status          Status     `json:"status"`
	SizeMB          float64    `json:"size_mb"`
	BackupType      BackupType `json:"backup_type"`
	RetentionPolicy string     `json:"retention_policy"`
}

// BytesToMB converts an archive size to the catalog's MiB unit.
func BytesToMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
