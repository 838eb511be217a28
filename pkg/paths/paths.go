package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvLogDir     = "SHOTDIFF_LOG_DIR"
	EnvStorageDir = "SHOTDIFF_STORAGE_DIR"

	stateDirName = ".shotdiff"
)

// LogsBaseDir returns the directory run logs are written under.
func LogsBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(stateDirName, "logs")
}

// StorageBaseDir returns the root for captured, golden and diff images.
func StorageBaseDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvStorageDir)); dir != "" {
		return filepath.Clean(ExpandHome(dir))
	}
	return filepath.Join(stateDirName, "screenshots")
}

// HistoryDBPath returns the default location of the run history database.
func HistoryDBPath() string {
	return filepath.Join(stateDirName, "history.db")
}

// AnchorToWorkdir resolves a relative path against workdir.
func AnchorToWorkdir(path, workdir string) string {
	if filepath.IsAbs(path) || strings.TrimSpace(workdir) == "" {
		return path
	}
	return filepath.Join(workdir, path)
}

// RunLogsDir returns the log directory for a single run.
func RunLogsDir(runID string) string {
	base := LogsBaseDir()
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return base
	}
	return filepath.Join(base, "runs", runID)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}
