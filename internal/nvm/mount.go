package nvm

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

const pmfsType = "pmfs"

// checkMounted scans the mount table for an entry whose mount directory is
// mountPoint and whose filesystem type is pmfs.
func checkMounted(table, mountPoint string) error {
	f, err := os.Open(table)
	if err != nil {
		return fmt.Errorf("mount table %s: %v: %w", table, err, ErrPMFSUnmounted)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// device dir type options dump pass
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && fields[1] == mountPoint && fields[2] == pmfsType {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("mount table %s: %v: %w", table, err, ErrPMFSUnmounted)
	}

	return fmt.Errorf("%s is not a %s mount: %w", mountPoint, pmfsType, ErrPMFSUnmounted)
}

// probeWritable creates and removes a sentinel file under the mount.
// Permission denial maps to ErrPMFSReadOnly, anything else to ErrProbeFailed.
func probeWritable(probe string) error {
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("probe %s: %w", probe, ErrPMFSReadOnly)
		}

		return fmt.Errorf("probe %s: %v: %w", probe, err, ErrProbeFailed)
	}
	f.Close()
	os.Remove(probe)

	return nil
}
