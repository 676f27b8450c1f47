package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/herald/internal/config"
)

// CheckExisting returns an error if dir already holds a herald.yml
func CheckExisting(dir string) error {
	path := filepath.Join(dir, config.DefaultPath)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("already initialized\n\nFound existing: %s\n\nUse 'herald init --force' to overwrite it", path)
	}
	return nil
}
