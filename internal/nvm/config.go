package nvm

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/nvstore-db/nvstore/internal/pmem"
)

// Defaults for the persistent-memory mount and backing file.
const (
	DefaultMountPoint = "/mnt/pmfs"
	DefaultMountTable = "/etc/mtab"
	DefaultFilePath   = "/mnt/pmfs/hyrise"
	DefaultProbeFile  = "/mnt/pmfs/hyrise_test"
	DefaultFileSize   = 100 * 1024 * 1024
)

// Options configures the manager. Configuration latches at first use; see
// Configure.
type Options struct {
	// MountPoint is the directory that must appear in the mount table with
	// filesystem type pmfs.
	MountPoint string `toml:"mount_point"`

	// MountTable is the mount table scanned for MountPoint.
	MountTable string `toml:"mount_table"`

	// FilePath is the backing file under the mount. In volatile mode it is
	// unlinked right after mapping.
	FilePath string `toml:"file_path"`

	// ProbeFile is the sentinel opened for write at init to verify the
	// mount is writable. Removed again on success.
	ProbeFile string `toml:"probe_file"`

	// FileSize is the fixed capacity of the backing file in bytes.
	FileSize uint64 `toml:"file_size"`

	// DisableMountCheck skips the mount table scan and the writability
	// probe. For tests and development hosts without a pmfs mount; the
	// defaults above are the production contract.
	DisableMountCheck bool `toml:"disable_mount_check"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MountPoint: DefaultMountPoint,
		MountTable: DefaultMountTable,
		FilePath:   DefaultFilePath,
		ProbeFile:  DefaultProbeFile,
		FileSize:   DefaultFileSize,
	}
}

// LoadOptions reads a TOML options file. Fields absent from the file keep
// their defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options file: %w", err)
	}
	if err := toml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options file %s: %w", path, err)
	}
	if err := opts.validate(); err != nil {
		return opts, err
	}

	return opts, nil
}

func (o Options) validate() error {
	if o.FilePath == "" {
		return fmt.Errorf("file_path must not be empty: %w", ErrInvalidArg)
	}
	if o.FileSize < pmem.MinPoolSize {
		return fmt.Errorf("file_size %d below minimum %d: %w", o.FileSize, uint64(pmem.MinPoolSize), ErrInvalidArg)
	}
	if !o.DisableMountCheck && (o.MountPoint == "" || o.MountTable == "") {
		return fmt.Errorf("mount_point and mount_table are required unless the mount check is disabled: %w", ErrInvalidArg)
	}

	return nil
}
