package versionmanager

import (
	"encoding/json"
	"os"
	"path/filepath"
)

func writeFile(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

func marshalStrings(s []string) ([]byte, error) {
	return json.Marshal(s)
}
