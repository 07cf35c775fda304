package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harrison/taskforge/internal/filelock"
	"github.com/harrison/taskforge/internal/store"
	"github.com/harrison/taskforge/internal/task"
)

// SweepConfig controls the contingency sweep (§4.4, "Timeout / stuck
// detection"), grounded on original_source/claude_cto/server/
// contingency_manager.py's ContingencyManager defaults.
type SweepConfig struct {
	// StuckThreshold is how long a RUNNING task may run before the sweep
	// fails it with "exceeded timeout". Default 1 hour.
	StuckThreshold time.Duration
	// OrphanThreshold is how long a RUNNING task may go without a
	// recorded pid before it is considered orphaned. Default 5 minutes.
	OrphanThreshold time.Duration
	// BackupDir is where pre-sweep database snapshots are written.
	BackupDir string
	// BackupRetain is how many snapshots are kept (oldest deleted
	// beyond this count). Default 10.
	BackupRetain int
}

// DefaultSweepConfig matches the spec's stated defaults.
func DefaultSweepConfig(backupDir string) SweepConfig {
	return SweepConfig{
		StuckThreshold:  time.Hour,
		OrphanThreshold: 5 * time.Minute,
		BackupDir:       backupDir,
		BackupRetain:    10,
	}
}

// Sweeper runs the periodic contingency pass.
type Sweeper struct {
	store *store.Store
	cfg   SweepConfig
	log   zerolog.Logger
}

func NewSweeper(s *store.Store, cfg SweepConfig, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: s, cfg: cfg, log: log}
}

// Run executes one sweep pass: snapshot the database, then fail stuck or
// orphaned RUNNING tasks.
func (sw *Sweeper) Run(ctx context.Context) error {
	if err := sw.backup(); err != nil {
		sw.log.Warn().Err(err).Msg("contingency sweep: backup failed, continuing")
	}

	running := task.StatusRunning
	tasks, err := sw.store.ListTasks(ctx, store.TaskFilter{Status: &running})
	if err != nil {
		return fmt.Errorf("contingency sweep: list running tasks: %w", err)
	}

	now := time.Now()
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		age := now.Sub(*t.StartedAt)

		switch {
		case age > sw.cfg.StuckThreshold:
			sw.failStuck(ctx, t, "exceeded timeout")
		case t.PID == nil && age > sw.cfg.OrphanThreshold:
			sw.failStuck(ctx, t, "exceeded timeout")
		case t.PID != nil && !pidAlive(*t.PID):
			sw.failStuck(ctx, t, "exceeded timeout")
		}
	}
	return nil
}

func (sw *Sweeper) failStuck(ctx context.Context, t *task.Task, reason string) {
	if err := sw.store.FinalizeTask(ctx, t.ID, task.StatusFailed, reason); err != nil {
		sw.log.Error().Err(err).Int64("task_id", t.ID).Msg("contingency sweep: failed to finalize stuck task")
		return
	}
	sw.log.Info().Int64("task_id", t.ID).Msg("contingency sweep: marked stuck task failed")
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no-op existence/permission checks (see `man 2 kill`).
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}

// backup snapshots the database file, then prunes to the configured
// retention count. A no-op for in-memory stores.
func (sw *Sweeper) backup() error {
	src := sw.store.Path()
	if src == "" {
		return nil
	}
	if err := os.MkdirAll(sw.cfg.BackupDir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	// Hold an exclusive lock on a sidecar "<db>.snapshot-lock" file for the
	// duration of the copy, so two snapshots never interleave. The Store does
	// not take this lock: the copy is not coordinated with Store writes.
	lock := filelock.NewFileLock(src + ".snapshot-lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock database for snapshot: %w", err)
	}
	defer lock.Unlock()

	dst := filepath.Join(sw.cfg.BackupDir, fmt.Sprintf("tasks_%s.db", time.Now().UTC().Format("20060102_150405")))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy database: %w", err)
	}

	return sw.pruneBackups()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (sw *Sweeper) pruneBackups() error {
	entries, err := os.ReadDir(sw.cfg.BackupDir)
	if err != nil {
		return err
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(sw.cfg.BackupDir, entry.Name()), modTime: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.After(backups[j].modTime) })

	retain := sw.cfg.BackupRetain
	if retain <= 0 {
		retain = 10
	}
	for _, b := range backups[min(retain, len(backups)):] {
		_ = os.Remove(b.path)
	}
	return nil
}
