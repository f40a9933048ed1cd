package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hwpplayers/multipass/lib/vault"
)

const (
	imageRecordsFile    = "image-records.json"
	instanceRecordsFile = "instance-records.json"
)

// loadRecords reads a record map from path. A missing file yields an empty
// map so a fresh vault starts clean.
func loadRecords(path string) (map[string]vault.VaultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]vault.VaultRecord{}, nil
		}
		return nil, fmt.Errorf("read records: %w", err)
	}

	records := map[string]vault.VaultRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records %s: %w", path, err)
	}

	return records, nil
}

// saveRecords writes a record map atomically using temp file + rename.
func saveRecords(path string, records map[string]vault.VaultRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create records directory: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp records: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename records: %w", err)
	}

	return nil
}
