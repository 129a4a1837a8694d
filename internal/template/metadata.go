package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// MetadataFile はキャッシュディレクトリ直下に置く同期状態ファイルの名前。
const MetadataFile = "_metadata.json"

// Status は同期状態を表す。
type Status string

const (
	StatusNotSynced Status = "not_synced"
	StatusSyncing   Status = "syncing"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
)

// Metadata は_metadata.jsonの内容。
type Metadata struct {
	LastSync   *time.Time `json:"last_sync"`
	Status     Status     `json:"status"`
	FileCount  int        `json:"file_count"`
	Repo       string     `json:"repo,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	HeadCommit string     `json:"head_commit,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// readMetadata はメタデータを読み込む。ファイルがない場合は未同期として返す。
func readMetadata(cacheDir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{Status: StatusNotSynced}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m.Status == "" {
		m.Status = StatusNotSynced
	}
	return m, nil
}

// writeMetadata は一時ファイルへの書き込みとリネームでメタデータを置き換える。
func writeMetadata(cacheDir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(cacheDir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metadata temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(cacheDir, MetadataFile)); err != nil {
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}
