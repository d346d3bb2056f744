package ragvault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecentDatabase is one entry of the recent-databases record.
type RecentDatabase struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	LastAccessed string `json:"last_accessed"`
	ModelName    string `json:"model_name,omitempty"`
}

// recentFile is the on-disk shape of the recent-databases record.
type recentFile struct {
	Version   int              `json:"version"`
	Databases []RecentDatabase `json:"databases"`
}

const recentVersion = 1

// recentPath returns the per-user location of the recent-databases file,
// outside any database root.
func recentPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ragvault", "recent-databases.json"), nil
}

// LoadRecentDatabases reads the recent-databases record. Invalid or missing
// content is treated as empty; the next save overwrites it.
func LoadRecentDatabases() []RecentDatabase {
	path, err := recentPath()
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var f recentFile
	if err := json.Unmarshal(data, &f); err != nil || f.Version != recentVersion {
		return nil
	}
	return f.Databases
}

// touchRecent moves (or inserts) the database at path to the front of the
// recent-databases record.
func touchRecent(dbPath, model string) error {
	entry := RecentDatabase{
		Path:         dbPath,
		Name:         filepath.Base(dbPath),
		LastAccessed: time.Now().UTC().Format(time.RFC3339),
		ModelName:    model,
	}

	databases := []RecentDatabase{entry}
	for _, d := range LoadRecentDatabases() {
		if d.Path != dbPath {
			databases = append(databases, d)
		}
	}

	path, err := recentPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(recentFile{Version: recentVersion, Databases: databases}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
