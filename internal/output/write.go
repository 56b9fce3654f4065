package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyrange/rasm/internal/diag"
)

// WriteFile replaces path with data. The content goes to a temporary file
// in the same directory first, so a failed run never leaves a truncated
// object behind. Nothing is written when rep holds errors.
func WriteFile(path string, data []byte, perm os.FileMode, rep *diag.Reporter) (err error) {
	if rep != nil && rep.HasErrors() {
		return fmt.Errorf("not writing %s: %w", path, rep.Err())
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
