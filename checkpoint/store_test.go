package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	return NewStore(conf)
}

func TestValidName(t *testing.T) {
	valid := []string{"base", "auto-20260801-120000", "pre upgrade", "v1.2", "snap_2"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("ValidName(%q) = false, want true", name)
		}
	}
	invalid := []string{"", ".", "..", ".hidden", "a/b", `a\b`, "a\x00b"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true, want false", name)
		}
	}
}

func TestDerivedPaths(t *testing.T) {
	s := newTestStore(t)
	disk := s.DiskPath("web", "base")
	meta := s.MetadataPath("web", "base")
	if filepath.Dir(disk) != s.Dir("web") || filepath.Dir(meta) != s.Dir("web") {
		t.Errorf("paths escape the vm directory: %s, %s", disk, meta)
	}
	if filepath.Base(disk) != "base.qcow2" {
		t.Errorf("disk file = %s", filepath.Base(disk))
	}
	if filepath.Base(meta) != "base.json" {
		t.Errorf("sidecar file = %s", filepath.Base(meta))
	}
}

func TestReadAllMetadata(t *testing.T) {
	t.Run("missing directory is empty", func(t *testing.T) {
		s := newTestStore(t)
		records, skipped, err := s.ReadAllMetadata("ghost")
		if err != nil {
			t.Fatalf("ReadAllMetadata: %v", err)
		}
		if len(records) != 0 || skipped != 0 {
			t.Errorf("records = %v, skipped = %d", records, skipped)
		}
	})

	t.Run("skips what it cannot trust", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.EnsureDirectory("web"); err != nil {
			t.Fatal(err)
		}
		if err := s.WriteMetadata("web", &types.CheckpointRecord{
			Version: types.CheckpointVersion,
			Name:    "good",
			Created: time.Now(),
			VMName:  "web",
		}); err != nil {
			t.Fatal(err)
		}
		// Malformed, future-versioned and in-flight temp files must all be
		// skipped without failing the listing.
		writeRaw(t, s.MetadataPath("web", "broken"), "{oops")
		writeRaw(t, s.MetadataPath("web", "future"), `{"version": 99, "name": "future"}`)
		writeRaw(t, filepath.Join(s.Dir("web"), ".tmp-123.json"), `{}`)

		records, skipped, err := s.ReadAllMetadata("web")
		if err != nil {
			t.Fatalf("ReadAllMetadata: %v", err)
		}
		if len(records) != 1 || records[0].Name != "good" {
			t.Errorf("records = %+v, want only %q", records, "good")
		}
		if skipped != 2 {
			t.Errorf("skipped = %d, want 2", skipped)
		}
	})

	t.Run("backfills name from file stem", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.EnsureDirectory("web"); err != nil {
			t.Fatal(err)
		}
		writeRaw(t, s.MetadataPath("web", "legacy"), `{"description": "hand-written"}`)

		records, skipped, err := s.ReadAllMetadata("web")
		if err != nil || skipped != 0 {
			t.Fatalf("ReadAllMetadata: records=%v skipped=%d err=%v", records, skipped, err)
		}
		if len(records) != 1 || records[0].Name != "legacy" {
			t.Errorf("records = %+v", records)
		}
	})
}

func TestDeleteEntry(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureDirectory("web"); err != nil {
		t.Fatal(err)
	}

	// Fully missing pair: deletion is idempotent.
	if err := s.DeleteEntry("web", "ghost"); err != nil {
		t.Errorf("DeleteEntry on missing pair: %v", err)
	}

	writeRaw(t, s.DiskPath("web", "a"), "disk")
	writeRaw(t, s.MetadataPath("web", "a"), "{}")
	if err := s.DeleteEntry("web", "a"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, err := os.Stat(s.DiskPath("web", "a")); !os.IsNotExist(err) {
		t.Error("disk survived")
	}
	if _, err := os.Stat(s.MetadataPath("web", "a")); !os.IsNotExist(err) {
		t.Error("sidecar survived")
	}
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}
