package scaffold

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/herald/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// Initialize writes a commented herald.yml into dir.
// If force is true, an existing herald.yml is replaced.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, config.DefaultPath)

	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/herald.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read herald.yml template: %w", err)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The written file must load exactly like a hand-written one
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s is invalid: %w", path, err)
	}

	return path, nil
}

// PrintSuccess prints the success message with the created file
func PrintSuccess(w io.Writer, path string) {
	fmt.Fprintln(w, "\n✅ Created", path)
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Point broker.brokerUrl at your RabbitMQ and redis.url at your Redis")
	fmt.Fprintln(w, "  2. Run 'herald relay' to start recording status changes")
	fmt.Fprintln(w, "  3. Run 'herald watch' to see events as they are published")
}
