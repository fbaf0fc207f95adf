package paths

import (
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-rlm/pkg/errors"
)

// WriteFileAtomic replaces filePath with data so that readers see either the
// old or the new content: temp file in the same directory, fsync, rename,
// fsync of the directory.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	if err := EnsureDirectory(filePath); err != nil {
		return err
	}
	dir := filepath.Dir(filePath)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filePath)+".tmp-")
	if err != nil {
		return classifyWrite("failed to create temporary file", err, filePath)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return classifyWrite("failed to write temporary file", err, filePath)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return classifyWrite("failed to set file mode", err, filePath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return classifyWrite("failed to sync temporary file", err, filePath)
	}
	if err := tmp.Close(); err != nil {
		return classifyWrite("failed to close temporary file", err, filePath)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return classifyWrite("failed to replace file", err, filePath)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func classifyWrite(message string, err error, filePath string) error {
	if os.IsPermission(err) {
		return errors.NewPermissionError(message, err).WithContext("file", filePath)
	}
	return errors.NewIOError(message, err).WithContext("file", filePath)
}
