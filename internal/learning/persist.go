package learning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/triage/internal/agent"
	"go.uber.org/zap"
)

// SaveKnowledge writes the learned state to path as JSON with mode 0600,
// replacing any previous file atomically.
func (a *Agent) SaveKnowledge(path string) error {
	data, err := json.MarshalIndent(a.ExportKnowledge(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode knowledge: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create knowledge dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".learning-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write knowledge: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod knowledge: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close knowledge: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace knowledge: %w", err)
	}

	a.Logger().Info("knowledge saved", zap.String("path", path))
	return nil
}

// LoadKnowledge imports state written by SaveKnowledge. A missing file is
// not an error; the agent starts empty.
func (a *Agent) LoadKnowledge(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read knowledge: %w", err)
	}
	var k Knowledge
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("decode knowledge %s: %w", path, err)
	}
	a.ImportKnowledge(&k)
	return nil
}

// samePayload compares responses by their JSON form, so a response loaded
// from disk ([]any, float64) matches the one the pipeline produces
// ([]string, int).
func samePayload(a, b agent.Payload) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
