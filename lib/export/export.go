// Package export writes the cached variables to a flat YAML file.
package export

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dVar/lib/cache"
	"github.com/ValentinKolb/dVar/lib/common"
	"github.com/ValentinKolb/dVar/lib/service"
	"github.com/lni/dragonboat/v4/logger"
	"gopkg.in/yaml.v3"
)

var log = logger.GetLogger("export")

// FileName is the default export file inside the data directory.
const FileName = "export.yml"

// DefaultPath returns the export path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// ExportYAML writes every cached variable as a flat "key: value" document to
// path. The file is replaced atomically. It returns the number of variables
// written.
func ExportYAML(c *cache.Cache, path string) (int, error) {
	snapshot := c.Snapshot()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}
	if err := common.WriteFileAtomic(path, data); err != nil {
		return 0, fmt.Errorf("write export %s: %w", path, err)
	}
	return len(snapshot), nil
}

// ExportAsync runs ExportYAML in its own goroutine and reports the outcome to
// out. The returned channel receives the result once and is then closed.
func ExportAsync(c *cache.Cache, path string, out service.Reporter) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		start := time.Now()
		n, err := ExportYAML(c, path)
		if err != nil {
			log.Errorf("export to %s failed: %v", path, err)
			if out != nil {
				out.Report("Export error!")
			}
			done <- err
			return
		}
		log.Infof("exported %d variables to %s in %v", n, path, time.Since(start))
		if out != nil {
			out.Report(fmt.Sprintf("Export complete! (%d variables)", n))
		}
		done <- nil
	}()
	return done
}
