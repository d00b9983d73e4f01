// Package retention decides which archives at a destination survive a cleanup
// pass and deletes the rest.
//
// The tiered policy is computed as three independent selection passes over the
// same archive set — daily, weekly, monthly — whose results are unioned into a
// keep set keyed by exact archive name. Membership in the union, not the
// specific tier, determines survival. The planner mutates nothing, so the
// classification is testable in isolation from the deletion pass.
package retention

import (
	"context"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tarkeep/tarkeep/pkg/archive"
	"github.com/tarkeep/tarkeep/pkg/fingerprint"
	"github.com/tarkeep/tarkeep/pkg/plog"
)

// monthlyAgeBoundary separates the weekly tier (younger) from the monthly
// tier (this old or older).
const monthlyAgeBoundary = 28 * 24 * time.Hour

// deleteWorkers bounds the parallel deletion fan-out. Deletes are cheap
// locally but latency-bound on network destinations.
const deleteWorkers = 4

// Policy holds the keep-counts of the three retention tiers. A zero count
// disables that tier.
type Policy struct {
	Daily   int
	Weekly  int
	Monthly int
}

// Plan classifies archives into the keep set and the discard list. Archives
// must be ordered newest first (as archive.List returns them); now anchors the
// age computation against each archive's filesystem timestamp.
func Plan(archives []archive.Info, policy Policy, now time.Time) (keep map[string]bool, discard []archive.Info) {
	keep = make(map[string]bool)

	// Daily tier: the N most recently created, regardless of age.
	for i, a := range archives {
		if i >= policy.Daily {
			break
		}
		keep[a.Name] = true
	}

	// The weekly and monthly tiers rank by name ordering. Names embed the
	// creation timestamp, so descending name order is newest first.
	var young, old []archive.Info
	for _, a := range archives {
		if now.Sub(a.ModTime) < monthlyAgeBoundary {
			young = append(young, a)
		} else {
			old = append(old, a)
		}
	}
	keepNewestByName(keep, young, policy.Weekly)
	keepNewestByName(keep, old, policy.Monthly)

	for _, a := range archives {
		if !keep[a.Name] {
			discard = append(discard, a)
		}
	}
	return keep, discard
}

func keepNewestByName(keep map[string]bool, tier []archive.Info, count int) {
	sorted := make([]archive.Info, len(tier))
	copy(sorted, tier)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name > sorted[j].Name })
	for i, a := range sorted {
		if i >= count {
			break
		}
		keep[a.Name] = true
	}
}

// Apply runs one retention pass over the destination: it enumerates the
// archives, plans the keep set, and unconditionally deletes every archive
// outside it together with its fingerprint record. An empty or missing
// destination is a no-op. Individual deletion failures are logged and do not
// stop the pass.
func Apply(ctx context.Context, dirPath string, policy Policy) error {
	archives, err := archive.List(dirPath)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		plog.Debug("No archives at destination, nothing to rotate", "path", dirPath)
		return nil
	}

	keep, discard := Plan(archives, policy, time.Now())
	plog.Debug("Retention plan computed",
		"total", len(archives), "keep", len(keep), "discard", len(discard))

	if len(discard) == 0 {
		plog.Info("Retention pass complete, no archives outdated", "kept", len(keep))
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteWorkers)
	for _, a := range discard {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			deleteArchive(a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	plog.Info("Retention pass complete", "kept", len(keep), "deleted", len(discard))
	return nil
}

// deleteArchive removes one discarded archive and its fingerprint record.
func deleteArchive(a archive.Info) {
	plog.Notice("DELETE", "archive", a.Name, "age", time.Since(a.ModTime).Round(time.Hour).String())
	if err := os.Remove(a.Path); err != nil {
		plog.Warn("Failed to delete outdated archive", "archive", a.Name, "error", err)
		return
	}
	recordPath := fingerprint.RecordPath(a.Path)
	if err := os.Remove(recordPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to delete fingerprint record", "record", recordPath, "error", err)
	}
}
