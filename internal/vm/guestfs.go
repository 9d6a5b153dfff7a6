package vm

import (
	"path"
	"time"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// GuestFile is one entry of a guest directory listing.
type GuestFile struct {
	// Path is the entry joined onto the directory it was listed from.
	Path    string
	Name    string
	Flags   int64
	Size    int64
	ModTime time.Time
}

// IsDir reports whether the entry is a directory.
func (f GuestFile) IsDir() bool { return f.Flags&native.FileAttributesDirectory != 0 }

// A directory that vanished or cannot report entry properties lists as
// empty.
var walkTolerance = job.Tolerate(native.CodeNotFound, native.CodeUnrecognizedProperty)

var listProperties = []native.PropertyID{
	native.PropertyJobResultItemName,
	native.PropertyJobResultFileFlags,
	native.PropertyJobResultFileSize,
	native.PropertyJobResultFileModTime,
}

// ListDirectoryAsync lists dir in the guest. With recurse, subdirectories
// follow their entry depth-first, and every directory gets the full timeout
// of its own. Any failure other than the tolerated ones discards the whole
// listing. A zero timeout uses Options.GuestTimeout.
func (v *VM) ListDirectoryAsync(dir string, recurse bool, timeout time.Duration) *task.Task[[]GuestFile] {
	timeout = orDefault(timeout, v.host.opts.GuestTimeout)
	return enqueue(v, func() ([]GuestFile, error) {
		var out []GuestFile
		if err := v.walk(dir, recurse, timeout, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (v *VM) ListDirectory(dir string, recurse bool, timeout time.Duration) ([]GuestFile, error) {
	return v.ListDirectoryAsync(dir, recurse, timeout).Result()
}

// walk runs inside a queued item and submits its jobs directly.
func (v *VM) walk(dir string, recurse bool, timeout time.Duration, out *[]GuestFile) error {
	j, err := v.start(native.OpListDirectory, native.Args{Path: dir})
	if err != nil {
		return err
	}

	var level []GuestFile
	for row, err := range j.Rows(timeout, walkTolerance, listProperties...) {
		if err != nil {
			return err
		}
		var f GuestFile
		if err := row.Scan(&f.Name, &f.Flags, &f.Size, &f.ModTime); err != nil {
			return err
		}
		f.Path = path.Join(dir, f.Name)
		level = append(level, f)
	}
	if code := j.Tolerated(); code != native.CodeOK {
		v.logger.Debug("guest directory listed as empty", "path", dir, "code", int(code), "dropped", len(level))
		return nil
	}

	for _, f := range level {
		*out = append(*out, f)
		if recurse && f.IsDir() {
			if err := v.walk(f.Path, true, timeout, out); err != nil {
				return err
			}
		}
	}
	v.logger.Debug("guest directory listed", "path", dir, "entries", len(level))
	return nil
}
