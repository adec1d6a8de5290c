package image

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"cochaviz/adlgen/internal/platform"
)

type fakeEngine struct {
	mu       sync.Mutex
	present  map[string]bool
	local    map[string]bool
	builds   []string
	exists   int
	entries  map[string]string
	fail     bool
	logLines int

	registry map[string]bool
	pullErr  error
	pulls    []string
	removed  []string

	// gate, when set, blocks builds until it is closed; started receives one
	// value per build that reached the gate.
	gate    chan struct{}
	started chan string
}

func (e *fakeEngine) Inspect(_ context.Context, reference string) (Inspection, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exists++
	if !e.present[reference] {
		return Inspection{}, false, nil
	}
	info := Inspection{ID: "sha256:" + reference}
	if e.local[reference] {
		info.Labels = map[string]string{LabelKey: "key"}
	}
	return info, true, nil
}

func (e *fakeEngine) Pull(_ context.Context, request PullRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulls = append(e.pulls, request.Reference)
	if e.pullErr != nil {
		return e.pullErr
	}
	if !e.registry[request.Reference] {
		return fmt.Errorf("%w: %s", ErrImageNotFound, request.Reference)
	}
	e.markPresent(request.Reference, false)
	return nil
}

func (e *fakeEngine) Remove(_ context.Context, reference string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, reference)
	delete(e.present, reference)
	delete(e.local, reference)
	return nil
}

func (e *fakeEngine) markPresent(reference string, local bool) {
	if e.present == nil {
		e.present = make(map[string]bool)
	}
	if e.local == nil {
		e.local = make(map[string]bool)
	}
	e.present[reference] = true
	e.local[reference] = local
}

func (e *fakeEngine) Build(ctx context.Context, request BuildRequest) (BuildOutput, error) {
	entries, err := readTar(request.Context)
	if err != nil {
		return BuildOutput{}, err
	}

	if e.started != nil {
		e.started <- request.Reference
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return BuildOutput{}, ctx.Err()
		}
	}

	var log []string
	for i := 0; i < e.logLines; i++ {
		line := fmt.Sprintf("step %d", i)
		log = append(log, line)
		if request.Log != nil {
			request.Log(line)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.builds = append(e.builds, request.Reference)
	e.entries = entries
	if e.fail {
		return BuildOutput{Log: log}, errors.New("non-zero build result")
	}
	e.markPresent(request.Reference, true)
	return BuildOutput{ImageID: "sha256:feedface", Log: log}, nil
}

func (e *fakeEngine) buildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.builds)
}

func readTar(r io.Reader) (map[string]string, error) {
	entries := map[string]string{}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		entries[header.Name] = string(data)
	}
}

type fakeDistributions struct {
	dir string
}

func (d fakeDistributions) Archive(_ context.Context, version string, host platform.Host) (string, error) {
	if host != platform.ContainerHost {
		return "", fmt.Errorf("unexpected host %s", host)
	}
	return filepath.Join(d.dir, "adl-bindist-"+version+"-linux.zip"), nil
}

func newFakeDistributions(t *testing.T, versions ...string) fakeDistributions {
	t.Helper()

	dir := t.TempDir()
	for _, version := range versions {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		header := &zip.FileHeader{Name: "bin/adlc"}
		header.SetMode(0o755)
		w, err := zw.CreateHeader(header)
		if err != nil {
			t.Fatalf("CreateHeader() error = %v", err)
		}
		io.WriteString(w, "adlc "+version)
		if err := zw.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		path := filepath.Join(dir, "adl-bindist-"+version+"-linux.zip")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	return fakeDistributions{dir: dir}
}

func newTestManager(t *testing.T, engine *fakeEngine, versions ...string) *Manager {
	t.Helper()
	return &Manager{
		Engine:        engine,
		Distributions: newFakeDistributions(t, versions...),
		Records:       &LocalRecordRepository{BaseDir: t.TempDir()},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestEnsureIfNotPresentIsIdempotent(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	manager := newTestManager(t, engine, "0.14")

	first, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !first.Built {
		t.Fatal("first Ensure() did not build")
	}

	second, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if second.Built {
		t.Fatal("second Ensure() built again")
	}
	if second.Name != first.Name {
		t.Fatalf("reference = %q, want %q", second.Name, first.Name)
	}
	if engine.buildCount() != 1 {
		t.Fatalf("builds = %d, want 1", engine.buildCount())
	}
}

func TestEnsureIfNotPresentUsesExistingImage(t *testing.T) {
	t.Parallel()

	template := DefaultTemplate()
	key := Key("0.14", template)
	engine := &fakeEngine{present: map[string]bool{"adl/adlc:0.14-" + key[:12]: true}}
	manager := newTestManager(t, engine)

	ref, err := manager.Ensure(context.Background(), "0.14", template, BuildIfNotPresent)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if ref.Built || engine.buildCount() != 0 {
		t.Fatalf("Ensure() built an existing image (builds = %d)", engine.buildCount())
	}
	if ref.Entrypoint != "/opt/adl/bin/adlc" {
		t.Fatalf("Entrypoint = %q", ref.Entrypoint)
	}
}

func TestEnsureRebuildAlwaysBuilds(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	manager := newTestManager(t, engine, "0.14")

	for i := 0; i < 2; i++ {
		ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildRebuild)
		if err != nil {
			t.Fatalf("Ensure() error = %v", err)
		}
		if !ref.Built {
			t.Fatalf("Ensure() call %d did not build", i)
		}
	}
	if engine.buildCount() != 2 {
		t.Fatalf("builds = %d, want 2", engine.buildCount())
	}
}

func TestEnsureNeverWithoutImage(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	manager := newTestManager(t, engine, "0.14")

	_, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildNever)

	var missing *ImageMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Ensure() error = %v, want ImageMissingError", err)
	}
	if engine.buildCount() != 0 {
		t.Fatalf("builds = %d, want 0", engine.buildCount())
	}
}

func TestEnsureBuildFailureCarriesLogTail(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{fail: true, logLines: 30}
	manager := newTestManager(t, engine, "0.14")

	_, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)

	var buildErr *ImageBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Ensure() error = %v, want ImageBuildError", err)
	}
	if len(buildErr.LogTail) != 20 {
		t.Fatalf("log tail = %d lines, want 20", len(buildErr.LogTail))
	}
	if buildErr.LogTail[0] != "step 10" || buildErr.LogTail[19] != "step 29" {
		t.Fatalf("log tail = %v", buildErr.LogTail)
	}
}

func TestEnsureBuildContext(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	manager := newTestManager(t, engine, "0.14")

	if _, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if got := engine.entries["Dockerfile"]; got != DefaultTemplate().Dockerfile() {
		t.Fatalf("Dockerfile = %q", got)
	}
	if got := engine.entries["tool/bin/adlc"]; got != "adlc 0.14" {
		t.Fatalf("tool/bin/adlc = %q", got)
	}

	records, err := manager.Records.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 || records[0].Version != "0.14" || records[0].ImageID != "sha256:feedface" {
		t.Fatalf("records = %+v", records)
	}
}

func TestEnsureConcurrentCallersShareOneBuild(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{gate: make(chan struct{}), started: make(chan string, 8)}
	manager := newTestManager(t, engine, "0.14")

	const callers = 8
	var wg sync.WaitGroup
	refs := make([]Reference, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
		}(i)
	}

	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for build to start")
	}
	// Give the remaining callers a chance to pile up behind the running build.
	time.Sleep(50 * time.Millisecond)
	close(engine.gate)
	wg.Wait()

	for i := range refs {
		if errs[i] != nil {
			t.Fatalf("Ensure() error = %v", errs[i])
		}
		if refs[i].Name != refs[0].Name {
			t.Fatalf("reference = %q, want %q", refs[i].Name, refs[0].Name)
		}
	}
	if engine.buildCount() != 1 {
		t.Fatalf("builds = %d, want 1", engine.buildCount())
	}
}

func TestEnsureDifferentKeysBuildInParallel(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{gate: make(chan struct{}), started: make(chan string, 2)}
	manager := newTestManager(t, engine, "0.13", "0.14")

	var wg sync.WaitGroup
	for _, version := range []string{"0.13", "0.14"} {
		wg.Add(1)
		go func(version string) {
			defer wg.Done()
			if _, err := manager.Ensure(context.Background(), version, DefaultTemplate(), BuildIfNotPresent); err != nil {
				t.Errorf("Ensure(%s) error = %v", version, err)
			}
		}(version)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-engine.started:
		case <-time.After(2 * time.Second):
			t.Fatal("builds for different keys did not run concurrently")
		}
	}
	close(engine.gate)
	wg.Wait()

	if engine.buildCount() != 2 {
		t.Fatalf("builds = %d, want 2", engine.buildCount())
	}
}

func TestEnsureWaiterHonorsItsContext(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{gate: make(chan struct{}), started: make(chan string, 1)}
	manager := newTestManager(t, engine, "0.14")

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
	}()
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := manager.Ensure(ctx, "0.14", DefaultTemplate(), BuildIfNotPresent)

	close(engine.gate)
	<-done

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ensure() error = %v, want deadline exceeded", err)
	}
}

func TestTemplateChangesKey(t *testing.T) {
	t.Parallel()

	base := DefaultTemplate()
	custom, err := NewTemplate("ubuntu:22.04", "", nil, nil)
	if err != nil {
		t.Fatalf("NewTemplate() error = %v", err)
	}
	if Key("0.14", base) == Key("0.14", custom) {
		t.Fatal("different templates share a key")
	}
	if Key("0.14", base) == Key("0.15", base) {
		t.Fatal("different versions share a key")
	}
	if Key("0.14", base) != Key("0.14", DefaultTemplate()) {
		t.Fatal("equal inputs produce different keys")
	}
}

func TestTemplateDockerfile(t *testing.T) {
	t.Parallel()

	template, err := NewTemplate("", "", map[string]string{"b": "2", "a": "1"}, []string{"apt-get update"})
	if err != nil {
		t.Fatalf("NewTemplate() error = %v", err)
	}

	want := "FROM ubuntu:20.04\n" +
		"LABEL a=\"1\"\n" +
		"LABEL b=\"2\"\n" +
		"COPY tool/ /opt/adl\n" +
		"RUN apt-get update\n" +
		"ENTRYPOINT [\"/opt/adl/bin/adlc\"]\n"
	if got := template.Dockerfile(); got != want {
		t.Fatalf("Dockerfile() =\n%s\nwant\n%s", got, want)
	}
}

func TestParseBuildMode(t *testing.T) {
	t.Parallel()

	cases := map[string]BuildMode{
		"":               BuildIfNotPresent,
		"IF_NOT_PRESENT": BuildIfNotPresent,
		"use-existing":   BuildIfNotPresent,
		"rebuild":        BuildRebuild,
		"DISCARD_LOCAL":  BuildDiscardLocal,
		"NEVER":          BuildNever,
	}
	for input, want := range cases {
		got, err := ParseBuildMode(input)
		if err != nil {
			t.Fatalf("ParseBuildMode(%q) error = %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseBuildMode(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := ParseBuildMode("sometimes"); err == nil {
		t.Fatal("ParseBuildMode(sometimes) error = nil, want error")
	}
}

func testReference(version string) string {
	return "adl/adlc:" + version + "-" + Key(version, DefaultTemplate())[:12]
}

func TestEnsurePullsBeforeBuilding(t *testing.T) {
	t.Parallel()

	name := testReference("0.14")
	engine := &fakeEngine{registry: map[string]bool{name: true}}
	manager := newTestManager(t, engine, "0.14")
	manager.Pull = true

	ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !ref.Pulled || ref.Built {
		t.Fatalf("Ensure() = %+v, want pulled and not built", ref)
	}
	if engine.buildCount() != 0 {
		t.Fatalf("builds = %d, want 0", engine.buildCount())
	}
}

func TestEnsureBuildsWhenPullFails(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"not in registry":   nil,
		"registry offline": errors.New("dial tcp: connection refused"),
	}
	for name, pullErr := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			engine := &fakeEngine{pullErr: pullErr}
			manager := newTestManager(t, engine, "0.14")
			manager.Pull = true

			ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
			if err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if !ref.Built || len(engine.pulls) != 1 {
				t.Fatalf("Ensure() = %+v after %d pulls, want one pull then a build", ref, len(engine.pulls))
			}
		})
	}
}

func TestEnsureWithoutPullNeverContactsRegistry(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{registry: map[string]bool{testReference("0.14"): true}}
	manager := newTestManager(t, engine, "0.14")

	ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildIfNotPresent)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !ref.Built || len(engine.pulls) != 0 {
		t.Fatalf("Ensure() = %+v after %d pulls, want a build and no pulls", ref, len(engine.pulls))
	}
}

func TestEnsureNeverDoesNotPull(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{registry: map[string]bool{testReference("0.14"): true}}
	manager := newTestManager(t, engine, "0.14")
	manager.Pull = true

	_, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildNever)

	var missing *ImageMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Ensure() error = %v, want ImageMissingError", err)
	}
	if len(engine.pulls) != 0 {
		t.Fatalf("pulls = %d, want 0", len(engine.pulls))
	}
}

func TestEnsureDiscardLocalReplacesLocalBuild(t *testing.T) {
	t.Parallel()

	name := testReference("0.14")
	engine := &fakeEngine{}
	engine.markPresent(name, true)
	manager := newTestManager(t, engine, "0.14")
	manager.Pull = true

	ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildDiscardLocal)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if diff := cmp.Diff([]string{name}, engine.removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if !ref.Built || len(engine.pulls) != 1 {
		t.Fatalf("Ensure() = %+v after %d pulls, want a pull attempt then a build", ref, len(engine.pulls))
	}
}

func TestEnsureDiscardLocalRepullsFromRegistry(t *testing.T) {
	t.Parallel()

	name := testReference("0.14")
	engine := &fakeEngine{registry: map[string]bool{name: true}}
	engine.markPresent(name, true)
	manager := newTestManager(t, engine, "0.14")
	manager.Pull = true

	ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildDiscardLocal)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !ref.Pulled || engine.buildCount() != 0 || len(engine.removed) != 1 {
		t.Fatalf("Ensure() = %+v (builds %d, removed %v), want the local image replaced by a pull", ref, engine.buildCount(), engine.removed)
	}
}

func TestEnsureDiscardLocalKeepsRegistryImage(t *testing.T) {
	t.Parallel()

	name := testReference("0.14")
	engine := &fakeEngine{}
	engine.markPresent(name, false)
	manager := newTestManager(t, engine, "0.14")
	manager.Pull = true

	ref, err := manager.Ensure(context.Background(), "0.14", DefaultTemplate(), BuildDiscardLocal)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if ref.Built || ref.Pulled {
		t.Fatalf("Ensure() = %+v, want the existing image", ref)
	}
	if len(engine.removed) != 0 || len(engine.pulls) != 0 || engine.buildCount() != 0 {
		t.Fatalf("removed %v, pulls %v, builds %d; want none", engine.removed, engine.pulls, engine.buildCount())
	}
}

func TestWriteBuildContextKeepsSymlinksAndSkipsRoot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, mode os.FileMode, content string) {
		header := &zip.FileHeader{Name: name}
		header.SetMode(mode)
		w, err := zw.CreateHeader(header)
		if err != nil {
			t.Fatalf("CreateHeader(%q) error = %v", name, err)
		}
		io.WriteString(w, content)
	}
	add("./", os.ModeDir|0o755, "")
	add("bin/", os.ModeDir|0o755, "")
	add("bin/adlc-0.14", 0o755, "adlc")
	add("bin/adlc", os.ModeSymlink|0o777, "adlc-0.14")
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	release := filepath.Join(t.TempDir(), "adl-bindist-0.14-linux.zip")
	if err := os.WriteFile(release, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out bytes.Buffer
	if err := writeBuildContext(&out, "FROM scratch\n", release); err != nil {
		t.Fatalf("writeBuildContext() error = %v", err)
	}

	headers := map[string]*tar.Header{}
	tr := tar.NewReader(&out)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar Next() error = %v", err)
		}
		headers[header.Name] = header
	}

	link, ok := headers["tool/bin/adlc"]
	if !ok || link.Typeflag != tar.TypeSymlink || link.Linkname != "adlc-0.14" {
		t.Fatalf("tool/bin/adlc = %+v, want symlink to adlc-0.14", link)
	}
	if _, ok := headers["tool/bin/adlc-0.14"]; !ok {
		t.Fatal("tool/bin/adlc-0.14 missing from build context")
	}
}

func TestWriteBuildContextRejectsEscapingSymlink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	header := &zip.FileHeader{Name: "bin/adlc"}
	header.SetMode(os.ModeSymlink | 0o777)
	w, err := zw.CreateHeader(header)
	if err != nil {
		t.Fatalf("CreateHeader() error = %v", err)
	}
	io.WriteString(w, "../../etc/passwd")
	if err := zw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	release := filepath.Join(t.TempDir(), "release.zip")
	if err := os.WriteFile(release, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := writeBuildContext(io.Discard, "FROM scratch\n", release); err == nil {
		t.Fatal("writeBuildContext() error = nil, want error")
	}
}
