package items

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CollectSources reads every image file found under the given paths.
// Directories are walked recursively; files without an image extension are skipped.
func CollectSources(paths ...string) ([]Source, error) {
	var files []string
	visit := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsImageExtension(d.Name()) {
			files = append(files, path)
		}
		return nil
	}

	for _, in := range paths {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if info.IsDir() {
			if err := filepath.WalkDir(in, visit); err != nil {
				return nil, fmt.Errorf("walk %s: %w", in, err)
			}
			continue
		}
		// Explicitly named files are read regardless of extension; the store
		// decides from the content whether they are images.
		files = append(files, in)
	}

	sources := make([]Source, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sources = append(sources, Source{
			Name:    filepath.Base(path),
			Content: data,
		})
	}
	return sources, nil
}
