package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cochaviz/adlgen/internal/platform"
)

func newTestStager() *Stager {
	return &Stager{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestScratch(t *testing.T) *Scratch {
	t.Helper()
	scratch, err := NewScratch(t.TempDir())
	if err != nil {
		t.Fatalf("NewScratch() error = %v", err)
	}
	t.Cleanup(func() { scratch.Close() })
	return scratch
}

func testInput(t *testing.T) (Input, string, string, string) {
	t.Helper()

	base := t.TempDir()
	src := filepath.Join(base, "src", "main", "adl")
	dirA := filepath.Join(base, "dirA")
	dirB := filepath.Join(base, "extracted", "archiveB")
	return Input{
		Sources:    []SourceSet{{Root: src, Files: []string{"adl/test/Cat.adl", "sub.adl"}}},
		SearchDirs: []string{dirA, dirB},
		Units:      []UnitLayout{{Name: "java", Manifest: true}, {Name: "typescript"}},
	}, src, dirA, dirB
}

func TestStageNativeKeepsHostPaths(t *testing.T) {
	t.Parallel()

	in, src, dirA, dirB := testInput(t)
	scratch := newTestScratch(t)

	ws, err := newTestStager().Stage(context.Background(), scratch, platform.Native, in)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	wantSources := []string{filepath.Join(src, "adl", "test", "Cat.adl"), filepath.Join(src, "sub.adl")}
	if diff := cmp.Diff(wantSources, ws.Sources); diff != "" {
		t.Fatalf("Sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{dirA, dirB}, ws.SearchDirs); diff != "" {
		t.Fatalf("SearchDirs mismatch (-want +got):\n%s", diff)
	}

	java, err := ws.Unit("java")
	if err != nil {
		t.Fatalf("Unit() error = %v", err)
	}
	if java.Output != java.HostOutput || java.Manifest != java.HostManifest {
		t.Fatalf("native unit paths differ from host paths: %+v", java)
	}
	if info, err := os.Stat(java.HostOutput); err != nil || !info.IsDir() {
		t.Fatalf("staging output missing: %v", err)
	}

	ts, err := ws.Unit("typescript")
	if err != nil {
		t.Fatalf("Unit() error = %v", err)
	}
	if ts.Manifest != "" {
		t.Fatalf("Manifest = %q, want empty", ts.Manifest)
	}
}

func TestStageContainerMapsMounts(t *testing.T) {
	t.Parallel()

	in, src, dirA, dirB := testInput(t)
	scratch := newTestScratch(t)

	ws, err := newTestStager().Stage(context.Background(), scratch, platform.Container, in)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	wantSources := []string{"/data/sources0/adl/test/Cat.adl", "/data/sources0/sub.adl"}
	if diff := cmp.Diff(wantSources, ws.Sources); diff != "" {
		t.Fatalf("Sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/data/search0", "/data/search1"}, ws.SearchDirs); diff != "" {
		t.Fatalf("SearchDirs mismatch (-want +got):\n%s", diff)
	}

	java, err := ws.Unit("java")
	if err != nil {
		t.Fatalf("Unit() error = %v", err)
	}
	if java.Output != "/data/out-java" || java.Manifest != "/data/manifest-java/manifest" {
		t.Fatalf("java paths = %+v", java)
	}

	for _, host := range []string{src, dirA, dirB, java.HostOutput} {
		target, err := ws.Mounts.ToTarget(host)
		if err != nil {
			t.Fatalf("ToTarget(%q) error = %v", host, err)
		}
		back, err := ws.Mounts.ToHost(target)
		if err != nil {
			t.Fatalf("ToHost(%q) error = %v", target, err)
		}
		if back != host {
			t.Fatalf("round trip %q -> %q -> %q", host, target, back)
		}
	}

	nested, err := ws.Mounts.ToHost("/data/out-java/adl/test/Cat.java")
	if err != nil {
		t.Fatalf("ToHost() error = %v", err)
	}
	if want := filepath.Join(java.HostOutput, "adl", "test", "Cat.java"); nested != want {
		t.Fatalf("ToHost() = %q, want %q", nested, want)
	}

	for _, mount := range ws.Mounts.Mounts() {
		wantReadOnly := mount.Label != "out-java" && mount.Label != "out-typescript" && mount.Label != "manifest-java"
		if mount.ReadOnly != wantReadOnly {
			t.Fatalf("mount %s ReadOnly = %v, want %v", mount.Label, mount.ReadOnly, wantReadOnly)
		}
	}
}

func TestStageRejectsBadUnits(t *testing.T) {
	t.Parallel()

	scratch := newTestScratch(t)
	stager := newTestStager()

	if _, err := stager.Stage(context.Background(), scratch, platform.Native, Input{
		Units: []UnitLayout{{Name: "java"}, {Name: "java"}},
	}); err == nil {
		t.Fatal("Stage() with duplicate units error = nil")
	}
	if _, err := stager.Stage(context.Background(), scratch, platform.Native, Input{
		Units: []UnitLayout{{Name: "../java"}},
	}); err == nil {
		t.Fatal("Stage() with invalid unit name error = nil")
	}
	if _, err := stager.Stage(context.Background(), scratch, platform.Auto, Input{}); err == nil {
		t.Fatal("Stage() with auto platform error = nil")
	}
}

func TestScratchIsUniqueAndRemovedOnClose(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	first, err := NewScratch(base)
	if err != nil {
		t.Fatalf("NewScratch() error = %v", err)
	}
	second, err := NewScratch(base)
	if err != nil {
		t.Fatalf("NewScratch() error = %v", err)
	}
	if first.Root() == second.Root() {
		t.Fatalf("scratch roots collide: %s", first.Root())
	}

	if err := os.WriteFile(first.Path("leftover"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := first.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	if _, err := os.Stat(first.Root()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch still present: %v", err)
	}
	if _, err := os.Stat(second.Root()); err != nil {
		t.Fatalf("unrelated scratch removed: %v", err)
	}
	second.Close()
}

func TestMountTableRejectsRelativeAndDuplicateTargets(t *testing.T) {
	t.Parallel()

	table := NewContainerTable("/data")
	if _, err := table.Bind("x", "relative/path", true); err == nil {
		t.Fatal("Bind(relative) error = nil")
	}

	host := t.TempDir()
	first, err := table.Bind("x", host, true)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	again, err := table.Bind("y", host, false)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if first != again {
		t.Fatalf("rebinding host gave %q, want %q", again, first)
	}
	if table.Mounts()[0].ReadOnly {
		t.Fatal("writable rebinding did not upgrade mount")
	}
	if _, err := table.Bind("x", t.TempDir(), true); err == nil {
		t.Fatal("Bind() reusing a target error = nil")
	}
	if _, err := table.ToTarget("/elsewhere"); err == nil {
		t.Fatal("ToTarget() outside mounts error = nil")
	}
}
