// Package metafile reads and writes the JSON sidecar stored next to each archive.
package metafile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Suffix is appended to an archive path to get its sidecar path.
const Suffix = ".meta.json"

// MetafileContent holds the contents of a sidecar.
type MetafileContent struct {
	Version         string    `json:"version"`
	BackupID        string    `json:"backupId"`
	DataSource      string    `json:"dataSource"`
	TimestampUTC    time.Time `json:"timestampUTC"`
	BackupType      string    `json:"backupType"`
	RetentionPolicy string    `json:"retentionPolicy"`
	SizeBytes       int64     `json:"sizeBytes"`
	Method          string    `json:"method,omitempty"`
}

// Path returns the sidecar path of an archive.
func Path(archivePath string) string {
	return archivePath + Suffix
}

// IsSidecar reports whether name looks like a sidecar file name.
func IsSidecar(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

// ArchivePath is the inverse of Path.
func ArchivePath(sidecarPath string) string {
	return strings.TrimSuffix(sidecarPath, Suffix)
}

// Write writes the sidecar of archivePath. The file is replaced atomically.
func Write(archivePath string, content *MetafileContent) error {
	metaFilePath := Path(archivePath)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(metaFilePath), ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp meta file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(jsonData); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	if err := os.Chmod(tmp.Name(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not set meta file permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), metaFilePath); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	return nil
}

// Read parses the sidecar of archivePath.
func Read(archivePath string) (MetafileContent, error) {
	metaFilePath := Path(archivePath)
	data, err := os.ReadFile(metaFilePath)
	if err != nil {
		// Return the original error so os.IsNotExist works.
		return MetafileContent{}, err
	}

	var content MetafileContent
	if err := json.Unmarshal(data, &content); err != nil {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	if content.BackupID == "" {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: missing backupId", metaFilePath)
	}
	return content, nil
}

// Remove deletes the sidecar of archivePath. A missing sidecar is not an error.
func Remove(archivePath string) error {
	if err := os.Remove(Path(archivePath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
