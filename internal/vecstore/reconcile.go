package vecstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ReconcileSegmentDirs repairs the per-UUID segment directory under dir so
// it matches the UUID the catalog expects. Clean restores from backup or
// crashed re-creations can leave the directory named after a stale UUID:
//
//   - exactly one orphan UUID dir and no expected dir: rename it
//   - anything beyond the expected dir: delete the extras
//
// It returns the number of directories renamed plus removed.
func ReconcileSegmentDirs(ctx context.Context, logger *slog.Logger, dir, expectedUUID string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var orphans []string
	haveExpected := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, err := uuid.Parse(name); err != nil {
			continue
		}
		if name == expectedUUID {
			haveExpected = true
			continue
		}
		orphans = append(orphans, name)
	}

	repaired := 0
	if !haveExpected && len(orphans) == 1 {
		from := filepath.Join(dir, orphans[0])
		to := filepath.Join(dir, expectedUUID)
		if err := os.Rename(from, to); err != nil {
			return repaired, err
		}
		logger.Info("reconciled orphan segment dir",
			"dir", dir, "from", orphans[0], "to", expectedUUID)
		repaired++
		orphans = nil
	}

	for _, name := range orphans {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return repaired, err
		}
		logger.Warn("removed stale segment dir", "dir", dir, "uuid", name)
		repaired++
	}
	return repaired, nil
}
