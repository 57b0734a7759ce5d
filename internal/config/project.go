package config

import (
	"os"
	"path/filepath"
)

// WorkDirName is the per-project state directory memtriage keeps its
// config, database, logs and reports in.
const WorkDirName = ".memtriage"

// FindProjectRoot looks for the .memtriage directory starting from the
// current working directory and moving up the directory tree
func FindProjectRoot() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := currentDir
	for {
		workDirPath := filepath.Join(dir, WorkDirName)
		if _, err := os.Stat(workDirPath); err == nil {
			return dir, nil
		}

		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			// Reached the root of the filesystem
			break
		}
		dir = parentDir
	}

	// If no .memtriage directory found, use the current directory
	return currentDir, nil
}

// GetWorkDir returns the path to the .memtriage directory relative to
// the project root
func GetWorkDir(projectRoot string) string {
	return filepath.Join(projectRoot, WorkDirName)
}

// EnsureWorkDirs creates the necessary .memtriage subdirectories
func EnsureWorkDirs(workDir string) error {
	subdirs := []string{
		filepath.Join(workDir, "logs"),
		filepath.Join(workDir, "reports"),
	}

	for _, subdir := range subdirs {
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return err
		}
	}

	return nil
}
