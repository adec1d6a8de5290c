package image

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalRecordRepository persists image records as JSON files under BaseDir.
type LocalRecordRepository struct {
	BaseDir string
}

// Save writes the record to disk using its ID as the filename.
func (rep *LocalRecordRepository) Save(record Record) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(rep.BaseDir, record.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get returns the record with the provided ID, or nil when it does not exist.
func (rep *LocalRecordRepository) Get(recordID string) (*Record, error) {
	if recordID == "" {
		return nil, errors.New("record id is required")
	}
	return rep.load(filepath.Join(rep.BaseDir, recordID+".json"))
}

// List returns all records, newest first.
func (rep *LocalRecordRepository) List() ([]Record, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		record, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// LatestForKey returns the newest record for the image key, or nil.
func (rep *LocalRecordRepository) LatestForKey(key string) (*Record, error) {
	records, err := rep.List()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.Key == key {
			clone := record
			return &clone, nil
		}
	}
	return nil, nil
}

func (rep *LocalRecordRepository) load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
