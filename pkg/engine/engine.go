// Package engine orchestrates the backup lifecycle: lock, preflight, create,
// verify, rotate, release. Each phase strictly follows the prior phase's
// success; there is no internal parallelism and no automatic retry — a failed
// run is terminal and the tool is expected to be re-invoked externally.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tarkeep/tarkeep/pkg/archive"
	"github.com/tarkeep/tarkeep/pkg/config"
	"github.com/tarkeep/tarkeep/pkg/fingerprint"
	"github.com/tarkeep/tarkeep/pkg/hook"
	"github.com/tarkeep/tarkeep/pkg/lockfile"
	"github.com/tarkeep/tarkeep/pkg/notify"
	"github.com/tarkeep/tarkeep/pkg/plog"
	"github.com/tarkeep/tarkeep/pkg/preflight"
	"github.com/tarkeep/tarkeep/pkg/retention"
	"github.com/tarkeep/tarkeep/pkg/snapshot"
	"github.com/tarkeep/tarkeep/pkg/util"
)

// Runner drives full backup runs plus the restore and list entry points
// against one destination store.
type Runner struct {
	cfg      config.Config
	notifier notify.Notifier
	hooks    *hook.Executor
	// verifyFn allows substituting the integrity check in tests.
	verifyFn func(info archive.Info) error
}

// New creates a Runner. The notifier receives one event per run outcome.
func New(cfg config.Config, notifier notify.Notifier) *Runner {
	r := &Runner{
		cfg:      cfg,
		notifier: notifier,
		hooks:    hook.NewExecutor(nil),
	}
	r.verifyFn = r.verify
	return r
}

// ExecuteBackup runs the full lifecycle for srcPath: acquire the destination
// lock, preflight, create the archive, verify its fingerprint, rotate old
// archives, release the lock. The lock is released on every exit path.
//
// In dry-run mode the run stops after logging the intended action: no archive,
// no snapshot mutation, no lock marker, no notification.
func (r *Runner) ExecuteBackup(ctx context.Context, srcPath string) error {
	src, err := util.ExpandedAbsPath(srcPath)
	if err != nil {
		return err
	}
	target, err := util.ExpandedAbsPath(r.cfg.Target)
	if err != nil {
		return err
	}

	if err := preflight.CheckSourceAccessible(src); err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	if r.cfg.DryRun {
		return r.logDryRun(src, target)
	}

	// The lock marker lives in the destination, which may not exist yet on a
	// first run. Creating the directory is a no-op when another run already
	// holds the lock in it; the writability probe waits until the lock is held
	// so a blocked run makes no destination writes at all.
	if err := os.MkdirAll(target, util.UserWritableDirPerms); err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	lock, err := lockfile.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := r.backupLocked(ctx, src, target); err != nil {
		return err
	}
	return nil
}

// backupLocked is the portion of the lifecycle that runs under the
// destination lock.
func (r *Runner) backupLocked(ctx context.Context, src, target string) error {
	if err := preflight.CheckTargetWritable(target); err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	if r.cfg.Space.Check {
		if err := r.checkSpace(src, target); err != nil {
			r.notifier.Failure("backup", err.Error())
			return err
		}
	}

	if err := r.hooks.Run(ctx, "pre", r.cfg.PreHookCommands(), r.cfg.Hooks.FailFast); err != nil {
		r.notifier.Failure("backup", fmt.Sprintf("pre-backup hook failed: %v", err))
		return err
	}

	prevState, err := snapshot.Load(target)
	if err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	format, err := archive.ParseFormat(r.cfg.Compression.Format)
	if err != nil {
		return err
	}
	level, err := archive.ParseLevel(r.cfg.Compression.Level)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	res, err := archive.Create(ctx, src, target, startedAt, prevState, archive.CreateOptions{
		Format:  format,
		Level:   level,
		Exclude: r.cfg.ExcludePatterns(),
	})
	if err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}
	plog.Info("Archive created",
		"archive", res.Info.Name,
		"mode", mode(res.Full),
		"files", res.FilesAdded,
		"size", util.FormatBytes(res.Info.Size),
		"elapsed", time.Since(startedAt).Round(time.Millisecond).String(),
	)

	if err := r.verifyFn(res.Info); err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	// Only a verified archive updates the incremental baseline.
	if err := snapshot.Save(target, res.State); err != nil {
		r.notifier.Failure("backup", err.Error())
		return err
	}

	if err := retention.Apply(ctx, target, retention.Policy{
		Daily:   r.cfg.Retention.Daily,
		Weekly:  r.cfg.Retention.Weekly,
		Monthly: r.cfg.Retention.Monthly,
	}); err != nil {
		r.notifier.Failure("backup", fmt.Sprintf("retention pass failed: %v", err))
		return err
	}

	if err := r.hooks.Run(ctx, "post", r.cfg.PostHookCommands(), r.cfg.Hooks.FailFast); err != nil {
		r.notifier.Failure("backup", fmt.Sprintf("post-backup hook failed: %v", err))
		return err
	}

	r.notifier.Success("backup", fmt.Sprintf("%s archive %s verified (%d files, %s)",
		mode(res.Full), res.Info.Name, res.FilesAdded, util.FormatBytes(res.Info.Size)))
	return nil
}

// checkSpace enforces the free-space precondition: available bytes at the
// destination must cover the recursive source size.
func (r *Runner) checkSpace(src, target string) error {
	required, err := preflight.SourceSize(src)
	if err != nil {
		// Sizing failures degrade to a warning; blocking backups on a
		// transient stat error is worse than an occasional tight fit.
		plog.Warn("Could not size source tree, skipping free-space check", "error", err)
		return nil
	}
	return preflight.CheckFreeSpace(target, required)
}

// verify writes the archive's fingerprint record and then independently
// recomputes the digest against it. On mismatch the corrupt archive and its
// record are deliberately left in place as evidence, and rotation is skipped
// this run.
func (r *Runner) verify(info archive.Info) error {
	sum, err := fingerprint.Compute(info.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", fingerprint.ErrRecordWrite, err)
	}
	if err := fingerprint.WriteRecord(info.Path, sum); err != nil {
		return err
	}
	if err := fingerprint.Verify(info.Path); err != nil {
		return err
	}
	plog.Info("Archive verified", "archive", info.Name, "sha256", sum)
	return nil
}

// logDryRun reports what a real run would do and stops before any side effect.
func (r *Runner) logDryRun(src, target string) error {
	prevState, err := snapshot.Load(target)
	if err != nil {
		return err
	}
	format, err := archive.ParseFormat(r.cfg.Compression.Format)
	if err != nil {
		return err
	}

	plog.Notice("[DRY RUN] Would create archive",
		"archive", archive.NameForTime(time.Now(), format),
		"mode", mode(prevState == nil),
		"source", src,
		"target", target,
		"excludes", len(r.cfg.ExcludePatterns()),
	)
	plog.Notice("[DRY RUN] Would rotate archives",
		"daily", r.cfg.Retention.Daily,
		"weekly", r.cfg.Retention.Weekly,
		"monthly", r.cfg.Retention.Monthly,
	)
	return nil
}

// ExecuteRestore extracts the named archive into targetDir, creating it if
// absent. It consults neither the snapshot state nor the lock: restores are
// read-only with respect to the destination store.
func (r *Runner) ExecuteRestore(ctx context.Context, archiveName, targetDir string) error {
	target, err := util.ExpandedAbsPath(r.cfg.Target)
	if err != nil {
		return err
	}
	restoreDir, err := util.ExpandedAbsPath(targetDir)
	if err != nil {
		return err
	}

	info, err := archive.Find(target, archiveName)
	if err != nil {
		return err
	}

	if r.cfg.DryRun {
		plog.Notice("[DRY RUN] Would restore archive", "archive", info.Name, "into", restoreDir)
		return nil
	}

	plog.Info("Restoring archive", "archive", info.Name, "into", restoreDir)
	if err := archive.Extract(ctx, info, restoreDir); err != nil {
		return err
	}
	plog.Info("Restore complete", "archive", info.Name)
	return nil
}

// ExecuteList enumerates the archives at the destination, newest first.
func (r *Runner) ExecuteList() ([]archive.Info, error) {
	target, err := util.ExpandedAbsPath(r.cfg.Target)
	if err != nil {
		return nil, err
	}
	return archive.List(target)
}

func mode(full bool) string {
	if full {
		return "full"
	}
	return "incremental"
}
