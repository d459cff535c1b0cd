package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99oblivius/vmgr/config"
	"github.com/99oblivius/vmgr/domain"
	"github.com/99oblivius/vmgr/types"
)

// mockDefiner is an in-memory domain.Definer. It tracks one persistent disk
// path per VM and records every Define call.
type mockDefiner struct {
	mu    sync.Mutex
	disks map[string]string // vm name -> persistent primary disk path
	live  map[string]string // vm name -> live disk path; presence means running
	defs  map[string]string // vm name -> definition XML

	defineErr error
	defined   []*domain.Definition
}

func newMockDefiner() *mockDefiner {
	return &mockDefiner{
		disks: make(map[string]string),
		live:  make(map[string]string),
		defs:  make(map[string]string),
	}
}

func (m *mockDefiner) PrimaryDiskPath(_ context.Context, vmName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.disks[vmName]
	if !ok {
		return "", fmt.Errorf("domain %s: %w", vmName, domain.ErrNotFound)
	}
	return path, nil
}

func (m *mockDefiner) LiveDiskPath(ctx context.Context, vmName string) (string, bool, error) {
	m.mu.Lock()
	livePath, running := m.live[vmName]
	m.mu.Unlock()
	if running {
		return livePath, true, nil
	}
	path, err := m.PrimaryDiskPath(ctx, vmName)
	return path, false, err
}

func (m *mockDefiner) SetPrimaryDiskPath(_ context.Context, vmName, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disks[vmName]; !ok {
		return fmt.Errorf("domain %s: %w", vmName, domain.ErrNotFound)
	}
	m.disks[vmName] = path
	return nil
}

func (m *mockDefiner) CloneDefinition(_ context.Context, vmName string) (*domain.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	xml, ok := m.defs[vmName]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", vmName, domain.ErrNotFound)
	}
	return &domain.Definition{XML: xml}, nil
}

func (m *mockDefiner) Define(_ context.Context, def *domain.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defineErr != nil {
		return m.defineErr
	}
	m.defined = append(m.defined, def)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *config.Config, *mockDefiner) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	def := newMockDefiner()
	return NewManager(conf, NewStore(conf), def, nil), conf, def
}

// addVM registers a VM in the mock with a real disk file of the given content.
func addVM(t *testing.T, conf *config.Config, def *mockDefiner, vmName, content string) string {
	t.Helper()
	path := conf.VMDiskPath(vmName)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	def.disks[vmName] = path
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("copies disk and writes sidecar", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "disk-content")

		if err := mgr.Create(ctx, "web", "base", "fresh install"); err != nil {
			t.Fatalf("Create: %v", err)
		}

		diskPath := mgr.store.DiskPath("web", "base")
		if got := readFile(t, diskPath); got != "disk-content" {
			t.Errorf("checkpoint disk content = %q, want %q", got, "disk-content")
		}

		var rec types.CheckpointRecord
		if err := json.Unmarshal([]byte(readFile(t, mgr.store.MetadataPath("web", "base"))), &rec); err != nil {
			t.Fatalf("parse sidecar: %v", err)
		}
		if rec.Version != types.CheckpointVersion {
			t.Errorf("sidecar version = %d, want %d", rec.Version, types.CheckpointVersion)
		}
		if rec.Name != "base" || rec.VMName != "web" || rec.Description != "fresh install" {
			t.Errorf("sidecar fields = %+v", rec)
		}
		if rec.OriginalDisk != conf.VMDiskPath("web") {
			t.Errorf("original_disk = %q", rec.OriginalDisk)
		}
		if rec.Created.IsZero() {
			t.Error("created timestamp is zero")
		}
	})

	t.Run("name collision", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		diskPath := addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "base", ""); err != nil {
			t.Fatalf("first Create: %v", err)
		}

		// The VM diverges; a colliding create must refuse without touching
		// the checkpoint that owns the name.
		if err := os.WriteFile(diskPath, []byte("v2"), 0o640); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Create(ctx, "web", "base", ""); !errors.Is(err, ErrCollision) {
			t.Errorf("second Create err = %v, want ErrCollision", err)
		}
		if got := readFile(t, mgr.store.DiskPath("web", "base")); got != "v1" {
			t.Errorf("existing checkpoint disk = %q, want untouched v1", got)
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		for _, name := range []string{"", ".", "..", "a/b", `a\b`, ".hidden"} {
			if err := mgr.Create(ctx, "web", name, ""); !errors.Is(err, ErrBadName) {
				t.Errorf("Create(%q) err = %v, want ErrBadName", name, err)
			}
		}
	})

	t.Run("source disk missing", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		def.disks["web"] = filepath.Join(conf.DiskDir(), "nope.qcow2")
		if err := mgr.Create(ctx, "web", "base", ""); !errors.Is(err, ErrMissingSource) {
			t.Errorf("err = %v, want ErrMissingSource", err)
		}
	})

	t.Run("unknown vm", func(t *testing.T) {
		mgr, _, _ := newTestManager(t)
		if err := mgr.Create(ctx, "ghost", "base", ""); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	mgr, conf, def := newTestManager(t)
	addVM(t, conf, def, "web", "v1")

	// Seed records with explicit timestamps so ordering is deterministic.
	if _, err := mgr.store.EnsureDirectory("web"); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "mid", "new"} {
		if err := os.WriteFile(mgr.store.DiskPath("web", name), []byte(name), 0o640); err != nil {
			t.Fatal(err)
		}
		rec := &types.CheckpointRecord{
			Version: types.CheckpointVersion,
			Name:    name,
			Created: base.Add(time.Duration(i) * time.Hour),
			VMName:  "web",
		}
		if err := mgr.store.WriteMetadata("web", rec); err != nil {
			t.Fatal(err)
		}
	}
	// One unreadable sidecar must be skipped, not fatal.
	if err := os.WriteFile(mgr.store.MetadataPath("web", "broken"), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}

	def.disks["web"] = mgr.store.DiskPath("web", "mid")

	infos, skipped, err := mgr.List(ctx, "web")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	if got, want := strings.Join(names, ","), "new,mid,old"; got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
	for _, info := range infos {
		if info.Active != (info.Name == "mid") {
			t.Errorf("%s: active = %v", info.Name, info.Active)
		}
	}
}

func TestListEmpty(t *testing.T) {
	ctx := context.Background()
	mgr, conf, def := newTestManager(t)
	addVM(t, conf, def, "web", "v1")

	infos, skipped, err := mgr.List(ctx, "web")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 0 || skipped != 0 {
		t.Errorf("infos = %v, skipped = %d; want empty", infos, skipped)
	}
}

func TestSwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("preserves untracked current disk", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		origDisk := addVM(t, conf, def, "web", "original")
		if err := mgr.Create(ctx, "web", "base", ""); err != nil {
			t.Fatal(err)
		}

		if err := mgr.Switch(ctx, "web", "base"); err != nil {
			t.Fatalf("Switch: %v", err)
		}
		if got, want := def.disks["web"], mgr.store.DiskPath("web", "base"); got != want {
			t.Errorf("definition disk = %s, want %s", got, want)
		}

		// The pre-switch disk must survive as an auto checkpoint.
		records, _, err := mgr.store.ReadAllMetadata("web")
		if err != nil {
			t.Fatal(err)
		}
		var auto *types.CheckpointRecord
		for _, rec := range records {
			if strings.HasPrefix(rec.Name, "auto-") {
				auto = rec
			}
		}
		if auto == nil {
			t.Fatal("no auto checkpoint preserved")
		}
		if auto.OriginalDisk != origDisk {
			t.Errorf("auto original_disk = %s, want %s", auto.OriginalDisk, origDisk)
		}
		if got := readFile(t, mgr.store.DiskPath("web", auto.Name)); got != "original" {
			t.Errorf("auto disk content = %q", got)
		}
	})

	t.Run("no auto checkpoint when current is tracked", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Create(ctx, "web", "b", ""); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Switch(ctx, "web", "a"); err != nil {
			t.Fatal(err)
		}

		// Current disk is now inside the checkpoint dir; switching again
		// must not spawn another auto checkpoint.
		if err := mgr.Switch(ctx, "web", "b"); err != nil {
			t.Fatalf("Switch: %v", err)
		}
		records, _, err := mgr.store.ReadAllMetadata("web")
		if err != nil {
			t.Fatal(err)
		}
		autos := 0
		for _, rec := range records {
			if strings.HasPrefix(rec.Name, "auto-") {
				autos++
			}
		}
		if autos != 1 {
			t.Errorf("auto checkpoints = %d, want 1", autos)
		}
	})

	t.Run("switch to active is a no-op", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Switch(ctx, "web", "a"); err != nil {
			t.Fatal(err)
		}
		before, _, _ := mgr.store.ReadAllMetadata("web")

		if err := mgr.Switch(ctx, "web", "a"); err != nil {
			t.Fatalf("no-op Switch: %v", err)
		}
		after, _, _ := mgr.store.ReadAllMetadata("web")
		if len(after) != len(before) {
			t.Errorf("checkpoint count changed: %d -> %d", len(before), len(after))
		}
	})

	t.Run("missing target", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Switch(ctx, "web", "ghost"); !errors.Is(err, ErrMissingSource) {
			t.Errorf("err = %v, want ErrMissingSource", err)
		}
	})

	t.Run("preserve failure leaves the definition untouched", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		origDisk := addVM(t, conf, def, "web", "original")
		if err := mgr.Create(ctx, "web", "base", ""); err != nil {
			t.Fatal(err)
		}

		// Occupy every destination the auto-save could pick over the next
		// few seconds so the preserve copy cannot land; renaming a file
		// onto a directory fails.
		now := time.Now()
		for i := 0; i < 5; i++ {
			name := "auto-" + now.Add(time.Duration(i)*time.Second).Format(autoTimeFormat)
			if err := os.Mkdir(mgr.store.DiskPath("web", name), 0o750); err != nil {
				t.Fatal(err)
			}
		}

		if err := mgr.Switch(ctx, "web", "base"); err == nil {
			t.Fatal("Switch succeeded despite failed preservation")
		}
		// The failed preservation must abort before the definition changes.
		if got := def.disks["web"]; got != origDisk {
			t.Errorf("definition disk = %s, want untouched %s", got, origDisk)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("active checkpoint refused", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Switch(ctx, "web", "a"); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Delete(ctx, "web", "a"); !errors.Is(err, ErrActiveCheckpoint) {
			t.Errorf("err = %v, want ErrActiveCheckpoint", err)
		}
		if !fileExists(mgr.store.DiskPath("web", "a")) {
			t.Error("active checkpoint disk was removed")
		}
	})

	t.Run("inactive checkpoint removed", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Delete(ctx, "web", "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if fileExists(mgr.store.DiskPath("web", "a")) || fileExists(mgr.store.MetadataPath("web", "a")) {
			t.Error("checkpoint files survived delete")
		}
	})

	t.Run("vm undefined allows cleanup", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		delete(def.disks, "web")
		if err := mgr.Delete(ctx, "web", "a"); err != nil {
			t.Fatalf("Delete after undefine: %v", err)
		}
	})

	t.Run("half-missing pair reconciles", func(t *testing.T) {
		mgr, conf, def := newTestManager(t)
		addVM(t, conf, def, "web", "v1")
		if err := mgr.Create(ctx, "web", "a", ""); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(mgr.store.DiskPath("web", "a")); err != nil {
			t.Fatal(err)
		}
		if err := mgr.Delete(ctx, "web", "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if fileExists(mgr.store.MetadataPath("web", "a")) {
			t.Error("sidecar survived delete")
		}
	})
}

const testDomainXMLTmpl = `<domain type='kvm'>
  <name>%s</name>
  <uuid>0e71e354-46b1-4a21-a1cd-47a5200b9c1b</uuid>
  <devices>
    <disk type='file' device='disk'>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
  </devices>
</domain>`

func TestSeparateToVM(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Manager, *config.Config, *mockDefiner, string) {
		mgr, conf, def := newTestManager(t)
		srcDisk := addVM(t, conf, def, "src", "live-state")
		def.defs["src"] = fmt.Sprintf(testDomainXMLTmpl, "src", srcDisk)
		if err := mgr.Create(ctx, "src", "snap", "promote me"); err != nil {
			t.Fatal(err)
		}
		return mgr, conf, def, srcDisk
	}

	t.Run("moves disk and defines clone", func(t *testing.T) {
		mgr, conf, def, srcDisk := setup(t)

		if err := mgr.SeparateToVM(ctx, "snap", "clone", "src"); err != nil {
			t.Fatalf("SeparateToVM: %v", err)
		}

		newDisk := conf.VMDiskPath("clone")
		if got := readFile(t, newDisk); got != "live-state" {
			t.Errorf("promoted disk content = %q", got)
		}
		if fileExists(mgr.store.DiskPath("src", "snap")) || fileExists(mgr.store.MetadataPath("src", "snap")) {
			t.Error("checkpoint files survived promotion")
		}
		if len(def.defined) != 1 {
			t.Fatalf("defined %d domains, want 1", len(def.defined))
		}
		xml := def.defined[0].XML
		if !strings.Contains(xml, "<name>clone</name>") {
			t.Error("definition keeps old name")
		}
		if strings.Contains(xml, "0e71e354-46b1-4a21-a1cd-47a5200b9c1b") {
			t.Error("definition keeps old uuid")
		}
		if !strings.Contains(xml, "file='"+newDisk+"'") {
			t.Errorf("definition does not point at %s:\n%s", newDisk, xml)
		}
		if strings.Contains(xml, srcDisk) {
			t.Error("definition still references source disk")
		}
	})

	t.Run("define failure rolls the disk back", func(t *testing.T) {
		mgr, conf, def, _ := setup(t)
		def.defineErr = errors.New("libvirt exploded")

		if err := mgr.SeparateToVM(ctx, "snap", "clone", "src"); err == nil {
			t.Fatal("SeparateToVM succeeded despite define failure")
		}
		if fileExists(conf.VMDiskPath("clone")) {
			t.Error("promoted disk left behind")
		}
		if !fileExists(mgr.store.DiskPath("src", "snap")) {
			t.Error("checkpoint disk not rolled back")
		}
		if !fileExists(mgr.store.MetadataPath("src", "snap")) {
			t.Error("checkpoint sidecar removed on failure")
		}
	})

	t.Run("active checkpoint refused", func(t *testing.T) {
		mgr, _, def, _ := setup(t)
		def.disks["src"] = mgr.store.DiskPath("src", "snap")
		if err := mgr.SeparateToVM(ctx, "snap", "clone", "src"); !errors.Is(err, ErrActiveCheckpoint) {
			t.Errorf("err = %v, want ErrActiveCheckpoint", err)
		}
	})

	t.Run("target disk collision", func(t *testing.T) {
		mgr, conf, _, _ := setup(t)
		if err := os.WriteFile(conf.VMDiskPath("clone"), []byte("taken"), 0o640); err != nil {
			t.Fatal(err)
		}
		if err := mgr.SeparateToVM(ctx, "snap", "clone", "src"); !errors.Is(err, ErrCollision) {
			t.Errorf("err = %v, want ErrCollision", err)
		}
		if !fileExists(mgr.store.DiskPath("src", "snap")) {
			t.Error("checkpoint disk touched despite collision")
		}
	})
}

// TestCheckpointLifecycle walks the full story: snapshot, diverge, snapshot
// again, roll back, clean up.
func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, conf, def := newTestManager(t)
	diskPath := addVM(t, conf, def, "web", "state-1")

	if err := mgr.Create(ctx, "web", "base", "before upgrade"); err != nil {
		t.Fatal(err)
	}

	// The guest diverges, then gets a second checkpoint.
	if err := os.WriteFile(diskPath, []byte("state-2"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Create(ctx, "web", "upgraded", ""); err != nil {
		t.Fatal(err)
	}

	// Rolling back to base preserves state-2 as an auto checkpoint.
	if err := mgr.Switch(ctx, "web", "base"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, def.disks["web"]); got != "state-1" {
		t.Errorf("active disk content = %q, want state-1", got)
	}

	infos, skipped, err := mgr.List(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d", skipped)
	}
	if len(infos) != 3 { // base, upgraded, auto-*
		t.Fatalf("checkpoints = %d, want 3", len(infos))
	}
	active := 0
	for _, info := range infos {
		if info.Active {
			active++
			if info.Name != "base" {
				t.Errorf("active checkpoint = %s, want base", info.Name)
			}
		}
	}
	if active != 1 {
		t.Errorf("active count = %d, want exactly 1", active)
	}

	// The rolled-back-from checkpoint can go; the active one cannot.
	if err := mgr.Delete(ctx, "web", "upgraded"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Delete(ctx, "web", "base"); !errors.Is(err, ErrActiveCheckpoint) {
		t.Errorf("delete active err = %v, want ErrActiveCheckpoint", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
