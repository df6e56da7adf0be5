package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectories of the agent's working directory.
const (
	ServerDir  = "server"
	PluginsDir = "plugins"
	ConfigDir  = "config"
	WorldsDir  = "worlds"
)

var WorkDirs = []string{ServerDir, PluginsDir, ConfigDir, WorldsDir}

// EnsureWorkDirs creates the working subdirectories under root if they don't already exist.
func EnsureWorkDirs(root string) error {
	for _, name := range WorkDirs {
		dir := filepath.Join(root, name)
		err := os.MkdirAll(dir, 0777)
		if err != nil {
			return fmt.Errorf("creating %q: %w", dir, err)
		}
	}
	return nil
}
