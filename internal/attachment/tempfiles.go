package attachment

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// tempPrefix names the scoped download files created under Deps.TempDir.
const tempPrefix = "push-attachment"

// SweepTempFiles removes download files left in dir by a process that died
// mid-transfer. It must run before any download job starts.
func SweepTempFiles(fs afero.Fs, dir string) (int, error) {
	matches, err := afero.Glob(fs, filepath.Join(dir, tempPrefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("glob temp files: %w", err)
	}
	removed := 0
	for _, name := range matches {
		if err := fs.Remove(name); err != nil {
			return removed, fmt.Errorf("remove temp file %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
