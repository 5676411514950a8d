package logger

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// orphanSweep archives any .log file in the log directory that does not
// bear the current prefix into a <now_ts>-orphaned.zip. The zip file's
// name is stamped with the current time, not the orphan's own timestamp;
// this is a known limitation carried forward for bit-compatibility, not a
// bug to fix here.
func (f *FileLogger) orphanSweep() error {
	dir := f.logDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	f.mu.Lock()
	currentPrefix := f.archiveStamper + "-"
	f.mu.Unlock()

	var orphans []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if strings.HasPrefix(e.Name(), currentPrefix) {
			continue
		}
		orphans = append(orphans, e.Name())
	}
	if len(orphans) == 0 {
		return nil
	}

	archiveDir := f.archiveDir()
	if err := ensureDir(archiveDir); err != nil {
		return err
	}
	zipPath := filepath.Join(archiveDir, nowStamp()+"-orphaned.zip")
	if err := zipFiles(zipPath, dir, orphans); err != nil {
		return err
	}
	for _, name := range orphans {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// currentSweep archives the files matching the current prefix once their
// combined size reaches maxLogSizeBytes. The new prefix is generated
// before the archive write begins so concurrent AppendLog calls land in
// fresh filenames immediately. .now files are never archived or deleted.
func (f *FileLogger) currentSweep(maxLogSizeBytes int64) error {
	dir := f.logDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	f.mu.Lock()
	currentPrefix := f.archiveStamper + "-"
	f.mu.Unlock()

	var candidates []string
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		isCurrentLog := strings.HasPrefix(name, currentPrefix) && strings.HasSuffix(name, ".log")
		isNow := strings.HasSuffix(name, ".now")
		if !isCurrentLog && !isNow {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		if isCurrentLog {
			candidates = append(candidates, name)
		}
	}

	if total < maxLogSizeBytes || len(candidates) == 0 {
		return nil
	}

	f.mu.Lock()
	oldStamper := f.archiveStamper
	f.archiveStamper = newArchiveStamper()
	f.mu.Unlock()

	archiveDir := f.archiveDir()
	if err := ensureDir(archiveDir); err != nil {
		return err
	}
	zipPath := filepath.Join(archiveDir, oldStamper+".zip")
	if err := zipFiles(zipPath, dir, candidates); err != nil {
		return err
	}
	for _, name := range candidates {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// trimArchive deletes oldest-by-mtime zip files until the archive
// directory's total size drops below maxArchiveSizeBytes. A threshold of
// 0 means keep only the newest archive.
func (f *FileLogger) trimArchive(maxArchiveSizeBytes int64) error {
	dir := f.archiveDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type zipFile struct {
		name    string
		size    int64
		modTime int64
	}
	var zips []zipFile
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		zips = append(zips, zipFile{name: e.Name(), size: info.Size(), modTime: info.ModTime().UnixNano()})
		total += info.Size()
	}
	if len(zips) == 0 {
		return nil
	}
	sort.Slice(zips, func(i, j int) bool { return zips[i].modTime < zips[j].modTime })

	if maxArchiveSizeBytes == 0 {
		for _, z := range zips[:len(zips)-1] {
			if err := os.Remove(filepath.Join(dir, z.name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}

	i := 0
	for total >= maxArchiveSizeBytes && i < len(zips) {
		if err := os.Remove(filepath.Join(dir, zips[i].name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		total -= zips[i].size
		i++
	}
	return nil
}

// zipFiles streams filenames (resolved under srcDir) into a new zip
// archive at destZipPath.
func zipFiles(destZipPath, srcDir string, filenames []string) error {
	out, err := os.Create(destZipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, name := range filenames {
		if err := addFileToZip(zw, srcDir, name); err != nil {
			return fmt.Errorf("zip %s: %w", name, err)
		}
	}
	return zw.Close()
}

func addFileToZip(zw *zip.Writer, srcDir, name string) error {
	src, err := os.Open(filepath.Join(srcDir, name))
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
