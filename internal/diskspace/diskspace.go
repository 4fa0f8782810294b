// Package diskspace reports free space on the volume holding a path.
package diskspace

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/docvault/docvault/internal/logging"
)

// Check logs a warning when the volume holding path has fewer than required free
// bytes. It never fails the run; lookup errors are logged at debug level.
func Check(path string, required uint64) (free uint64, ok bool) {
	free, err := Free(path)
	if err != nil {
		logging.Debug("free space check failed", logging.String("path", path), logging.Err(err))
		return 0, true
	}
	if required > 0 && free < required {
		logging.Warn("low free disk space on backup volume",
			logging.String("path", path),
			logging.String("free", humanize.IBytes(free)),
			logging.String("required", humanize.IBytes(required)))
		return free, false
	}
	return free, true
}

func wrap(path string, err error) error {
	return fmt.Errorf("free space of %s: %w", path, err)
}
