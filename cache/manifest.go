package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	manifestFileName = "MANIFEST.json"
	manifestVersion  = 1
)

// manifestEntry records one disk-tier file. An entry is only trusted when
// the referenced file's modification time still matches MtimeMs; any
// mismatch is treated as a miss and purged.
type manifestEntry struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	MtimeMs     int64  `json:"mtime_ms"`
	Compressed  bool   `json:"compressed"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// manifest is the on-disk index of the disk tier, persisted as a single
// document and reloaded at startup.
type manifest struct {
	Version int                      `json:"version"`
	Entries map[string]manifestEntry `json:"entries"`
}

// loadManifest reads the manifest document from dir. A missing file yields
// an empty manifest; a corrupt file is an error the caller may absorb by
// starting from an empty index.
func loadManifest(dir string) (*manifest, error) {
	path := filepath.Join(dir, manifestFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &manifest{Version: manifestVersion, Entries: make(map[string]manifestEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, manifestVersion)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]manifestEntry)
	}
	return &m, nil
}

// saveManifest atomically writes a full manifest snapshot using a temp file
// and rename, so a crash mid-save never leaves a truncated index.
func saveManifest(dir string, m *manifest) error {
	path := filepath.Join(dir, manifestFileName)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming manifest: %w", err)
	}

	success = true
	return nil
}
