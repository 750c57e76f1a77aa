package run

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	dirPrefix     = "ipfix-"
	backupDirName = "backup"
	logFileName   = "ipfix.log"
)

// Context describes a single invocation. It is created once at startup and
// passed by value; nothing mutates it afterwards.
type Context struct {
	// ID uniquely identifies the run.
	ID string

	// StartedAt is when the run began.
	StartedAt time.Time

	// Dir holds everything the run leaves behind.
	Dir string

	// BackupDir receives resource snapshots written before deletion.
	BackupDir string

	// LogPath is the transcript file.
	LogPath string

	// Debug enables verbose logging.
	Debug bool
}

// New creates the run directory and its backup directory under baseDir.
// An empty baseDir means the OS temp directory.
func New(baseDir string, debug bool) (Context, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	now := time.Now()
	id := uuid.New().String()

	dir := filepath.Join(baseDir, fmt.Sprintf("%s%s-%s", dirPrefix, now.UTC().Format("20060102-150405"), id[:8]))
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return Context{}, fmt.Errorf("creating run directory: %w", err)
	}

	return Context{
		ID:        id,
		StartedAt: now,
		Dir:       dir,
		BackupDir: backupDir,
		LogPath:   filepath.Join(dir, logFileName),
		Debug:     debug,
	}, nil
}

// OpenLog opens the transcript file for appending.
func (c Context) OpenLog() (*os.File, error) {
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// RecoveryHint tells the operator where to look after a failed run.
func (c Context) RecoveryHint() string {
	return fmt.Sprintf("log: %s\nbackups: %s", c.LogPath, c.BackupDir)
}
