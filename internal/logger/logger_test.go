package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustModTimeFor(i int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
}

func TestWriteNowCreatesDirectoryAndFile(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger("src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil)

	if err := fl.WriteNow("bucketA", "snapshot"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "logs", "src1", "bucketA.now")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "snapshot" {
		t.Fatalf("content = %q, want %q", data, "snapshot")
	}
}

func TestWriteNowOverwritesPreviousContent(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger("src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil)

	fl.WriteNow("b", "first")
	fl.WriteNow("b", "second")
	data, _ := os.ReadFile(filepath.Join(root, "logs", "src1", "b.now"))
	if string(data) != "second" {
		t.Fatalf("content = %q, want %q", data, "second")
	}
}

func TestAppendLogAppendsWithoutPrefixWhenArchivingDisabled(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger("src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil)

	fl.AppendLog("b", "line1\n")
	fl.AppendLog("b", "line2\n")

	path := filepath.Join(root, "logs", "src1", "b.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line1\nline2\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestAppendLogWithArchivingEstablishesPrefixOnFirstRotationCheck(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger(
		"src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil,
		WithMaxLogSizeBytes(1<<20), WithArchivingModulo(1),
	)

	fl.AppendLog("b", "hello\n")

	dir := filepath.Join(root, "logs", "src1")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-b.log") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a prefixed log file, got entries: %+v", entries)
	}
}

func TestCurrentSweepArchivesAndRemovesOldLogsKeepsNow(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger(
		"src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil,
		WithMaxLogSizeBytes(10), WithArchivingModulo(1),
	)

	fl.WriteNow("b", "snapshot-content")
	fl.AppendLog("b", "x")
	oldStamper := fl.archiveStamper

	// Push size over threshold and force another rotation check.
	fl.AppendLog("b", strings.Repeat("y", 64))

	archiveDir := filepath.Join(root, "archive", "src1")
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("expected archive directory to exist: %v", err)
	}
	foundZip := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), oldStamper) && strings.HasSuffix(e.Name(), ".zip") {
			foundZip = true
		}
	}
	if !foundZip {
		t.Fatalf("expected a zip archive for old stamper %s, got %+v", oldStamper, entries)
	}

	nowPath := filepath.Join(root, "logs", "src1", "b.now")
	if _, err := os.Stat(nowPath); err != nil {
		t.Fatalf("expected .now file to survive rotation: %v", err)
	}
}

func TestTrimArchiveKeepsOnlyNewestWhenThresholdZero(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger("src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil)

	archiveDir := filepath.Join(root, "archive", "src1")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		t.Fatal(err)
	}
	names := []string{"1.zip", "2.zip", "3.zip"}
	for i, name := range names {
		p := filepath.Join(archiveDir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		modTime := mustModTimeFor(i)
		os.Chtimes(p, modTime, modTime)
	}

	if err := fl.trimArchive(0); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one surviving archive, got %+v", entries)
	}
	if entries[0].Name() != "3.zip" {
		t.Fatalf("expected newest (3.zip) to survive, got %s", entries[0].Name())
	}
}

func TestSetLogPathRetainsOldOnFailure(t *testing.T) {
	root := t.TempDir()
	fl := NewFileLogger("src1", filepath.Join(root, "logs"), filepath.Join(root, "archive"), nil)

	// A path that collides with a file (not a directory) fails MkdirAll.
	blocker := filepath.Join(root, "blocker")
	os.WriteFile(blocker, []byte("x"), 0o644)

	before := fl.logPath
	err := fl.SetLogPath(filepath.Join(blocker, "nested"))
	if err == nil {
		t.Fatal("expected an error creating a directory under a file")
	}
	if fl.logPath != before {
		t.Fatalf("logPath changed on failure: %q", fl.logPath)
	}
}
