package logs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteArtifact writes the job's event sequence as a JSON array, creating
// parent directories as needed. An empty sequence writes "[]", never an
// error: absence of events is a valid outcome. The write goes through a
// temp file and rename so a crashed run never leaves a half-written
// artifact behind.
func WriteArtifact(path string, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encoding %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: closing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("artifact: renaming into %s: %w", path, err)
	}
	return nil
}
