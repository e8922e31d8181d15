package vaultfs

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/absfs/vaultfs/volfs"
)

var fixtureTime = time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

// buildTree writes a small directory tree and returns the relative file
// paths mapped to their contents.
func buildTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{
		"a.txt":               []byte("alpha"),
		"empty.bin":           {},
		"docs/readme.md":      bytes.Repeat([]byte("# readme\n"), 300),
		"docs/deep/big.dat":   bytes.Repeat([]byte{0x00, 0xFF, 0x42}, 70000),
		"docs/deep/small.dat": []byte("s"),
		".hidden/secret":      []byte("shh"),
	}
	for rel, data := range files {
		writeHostFile(t, filepath.Join(root, filepath.FromSlash(rel)), data)
	}
	if err := os.MkdirAll(filepath.Join(root, "emptydir"), 0o755); err != nil {
		t.Fatal(err)
	}
	for rel := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.Chtimes(p, fixtureTime, fixtureTime); err != nil {
			t.Fatal(err)
		}
	}
	return files
}

// hostTree lists every file and directory below root, relative and slash separated.
func hostTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			out[rel+"/"] = nil
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[rel] = data
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

// volumeTree lists a volume the same way hostTree lists a directory.
func volumeTree(t *testing.T, vol *volfs.FileSystem) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	var walk func(dir string)
	walk = func(dir string) {
		entries, err := vol.ReadDir(dir)
		if err != nil {
			t.Fatalf("ReadDir(%s) error = %v", dir, err)
		}
		for _, e := range entries {
			full := path.Join(dir, e.Name())
			rel := strings.TrimPrefix(full, "/")
			if e.IsDir() {
				out[rel+"/"] = nil
				walk(full)
				continue
			}
			data, err := vol.ReadFile(full)
			if err != nil {
				t.Fatalf("ReadFile(%s) error = %v", full, err)
			}
			out[rel] = data
		}
	}
	walk("/")
	return out
}

func compareTrees(t *testing.T, got, want map[string][]byte) {
	t.Helper()
	keys := func(m map[string][]byte) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	if g, w := strings.Join(keys(got), ","), strings.Join(keys(want), ","); g != w {
		t.Fatalf("tree = %s\nwant   %s", g, w)
	}
	for k, w := range want {
		if !bytes.Equal(got[k], w) {
			t.Errorf("%s: %d bytes differ from the original %d bytes", k, len(got[k]), len(w))
		}
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildTree(t, src)
	readonly := filepath.Join(src, "docs", "readme.md")
	if err := os.Chmod(readonly, 0o444); err != nil {
		t.Fatal(err)
	}
	want := hostTree(t, src)

	metrics := NewMetrics()
	var calls int
	var lastDone, lastTotal int64
	container := filepath.Join(dir, "src"+ContainerExtension)
	err := Import(src, container, testPassword, ImportOptions{
		Config:  cfg,
		Metrics: metrics,
		Progress: func(done, total int64, current string) {
			calls++
			lastDone, lastTotal = done, total
		},
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if calls == 0 || lastDone != lastTotal {
		t.Errorf("progress: %d calls, ended at %d of %d", calls, lastDone, lastTotal)
	}
	if got := testutil.ToFloat64(metrics.CopyBytesTotal.WithLabelValues("import")); int64(got) != lastTotal {
		t.Errorf("import bytes metric = %v, want %d", got, lastTotal)
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("Import() without DeleteSource removed the source")
	}

	c, err := OpenContainer(container, testPassword, cfg)
	if err != nil {
		t.Fatalf("OpenContainer() error = %v", err)
	}
	compareTrees(t, volumeTree(t, c.FS()), want)

	info, err := c.FS().Stat("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(fixtureTime) {
		t.Errorf("imported ModTime = %v, want %v", info.ModTime(), fixtureTime)
	}
	st := info.Sys().(*volfs.Stat)
	if st.Attributes&volfs.AttrReadOnly != 0 {
		t.Error("writable file imported read-only")
	}
	info, _ = c.FS().Stat("/docs/readme.md")
	if info.Sys().(*volfs.Stat).Attributes&volfs.AttrReadOnly == 0 {
		t.Error("read-only attribute lost on import")
	}
	info, _ = c.FS().Stat("/.hidden")
	if info.Sys().(*volfs.Stat).Attributes&volfs.AttrHidden == 0 {
		t.Error("hidden attribute lost on import")
	}
	c.Close()

	dest := filepath.Join(dir, "out")
	if err := Export(container, dest, testPassword, ExportOptions{Config: cfg, Metrics: metrics}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	compareTrees(t, hostTree(t, dest), want)
	if _, err := os.Stat(container); err != nil {
		t.Error("Export() without DeleteContainer removed the container")
	}

	out, err := os.Stat(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.ModTime().Equal(fixtureTime) {
		t.Errorf("exported ModTime = %v, want %v", out.ModTime(), fixtureTime)
	}
	if runtime.GOOS != "windows" {
		ro, _ := os.Stat(filepath.Join(dest, "docs", "readme.md"))
		if ro.Mode().Perm()&0o222 != 0 {
			t.Errorf("exported read-only file mode = %v", ro.Mode())
		}
	}
}

func TestImportDeleteSourceAndExportDeleteContainer(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	src := filepath.Join(dir, "photos")
	buildTree(t, src)
	want := hostTree(t, src)
	container, err := ContainerPathForDir(src)
	if err != nil {
		t.Fatal(err)
	}

	if err := Import(src, container, testPassword, ImportOptions{Config: cfg, DeleteSource: true}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if _, err := os.Stat(src); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("source still exists after DeleteSource: %v", err)
	}

	dest, err := DirForContainerPath(container)
	if err != nil {
		t.Fatal(err)
	}
	if err := Export(container, dest, testPassword, ExportOptions{Config: cfg, DeleteContainer: true}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := os.Stat(container); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("container still exists after DeleteContainer: %v", err)
	}
	compareTrees(t, hostTree(t, dest), want)
}

func TestImportCapacityExceeded(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeHostFile(t, filepath.Join(src, "big.bin"), bytes.Repeat([]byte{1}, 2<<20))
	container := filepath.Join(dir, "src"+ContainerExtension)

	err := Import(src, container, testPassword, ImportOptions{Config: cfg, Size: 1 << 20})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Import() error = %v, want ErrCapacityExceeded", err)
	}
	if _, err := os.Stat(container); !errors.Is(err, fs.ErrNotExist) {
		t.Error("failed import left a container behind")
	}
	if _, err := os.Stat(filepath.Join(src, "big.bin")); err != nil {
		t.Error("failed import touched the source")
	}
}

func TestImportCapacityBoundary(t *testing.T) {
	cfg := testConfig()
	ref, err := OpenContainer(newTestContainer(t, cfg), testPassword, cfg)
	if err != nil {
		t.Fatalf("OpenContainer() error = %v", err)
	}
	fit := ref.Usage().Free - cfg.ImportMargin
	ref.Close()

	tests := []struct {
		name    string
		size    int64
		wantErr error
	}{
		{"exact fit", fit, nil},
		{"one byte over", fit + 1, ErrCapacityExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			writeHostFile(t, filepath.Join(src, "data.bin"), make([]byte, tt.size))
			container := filepath.Join(dir, "src"+ContainerExtension)

			err := Import(src, container, testPassword, ImportOptions{Config: cfg})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Import() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if _, err := os.Stat(container); !errors.Is(err, fs.ErrNotExist) {
					t.Error("failed import left a container behind")
				}
				return
			}

			c, err := OpenContainer(container, testPassword, cfg)
			if err != nil {
				t.Fatalf("OpenContainer() error = %v", err)
			}
			defer c.Close()
			info, err := c.FS().Stat("/data.bin")
			if err != nil || info.Size() != tt.size {
				t.Fatalf("Stat() = %v, %v, want size %d", info, err, tt.size)
			}
		})
	}
}

func TestImportRejectsInvalidSource(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	container := filepath.Join(dir, "x"+ContainerExtension)

	err := Import(filepath.Join(dir, "missing"), container, testPassword, ImportOptions{Config: cfg})
	if !IsSourceError(err) {
		t.Errorf("Import() of a missing directory error = %v", err)
	}

	vetoed := errors.New("vetoed")
	src := filepath.Join(dir, "src")
	writeHostFile(t, filepath.Join(src, "f"), []byte("f"))
	err = Import(src, container, testPassword, ImportOptions{
		Config:   cfg,
		Validate: func(string) error { return vetoed },
	})
	if !errors.Is(err, vetoed) {
		t.Errorf("Import() error = %v, want the validator's error", err)
	}
	if _, err := os.Stat(container); !errors.Is(err, fs.ErrNotExist) {
		t.Error("rejected import created a container")
	}

	existing := newTestContainer(t, cfg)
	if err := Import(src, existing, testPassword, ImportOptions{Config: cfg}); !errors.Is(err, fs.ErrExist) {
		t.Errorf("Import() over an existing container error = %v", err)
	}
	if _, err := os.Stat(existing); err != nil {
		t.Error("failed import removed an existing container")
	}
}

func TestExportRejects(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	container := newTestContainer(t, cfg)

	busy := filepath.Join(dir, "busy")
	writeHostFile(t, filepath.Join(busy, "keep.txt"), []byte("keep"))
	if err := Export(container, busy, testPassword, ExportOptions{Config: cfg}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Export() into a non-empty directory error = %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(busy, "keep.txt")); err != nil || string(data) != "keep" {
		t.Error("rejected export touched the destination")
	}

	dest := filepath.Join(dir, "dest")
	if err := Export(container, dest, []byte("wrong"), ExportOptions{Config: cfg}); !IsWrongPassword(err) {
		t.Errorf("Export() with a wrong password error = %v", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, fs.ErrNotExist) {
		t.Error("rejected export created the destination")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Export(container, empty, testPassword, ExportOptions{Config: cfg}); err != nil {
		t.Errorf("Export() into an empty directory error = %v", err)
	}
}

func TestCompact(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	buildTree(t, src)
	container := filepath.Join(dir, "c"+ContainerExtension)
	if err := Import(src, container, testPassword, ImportOptions{Config: cfg}); err != nil {
		t.Fatal(err)
	}

	c, err := OpenContainer(container, testPassword, cfg)
	if err != nil {
		t.Fatal(err)
	}
	filler := bytes.Repeat([]byte("filler"), 200000)
	f, err := c.FS().Create("/filler.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(filler); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := c.FS().Remove("/filler.bin"); err != nil {
		t.Fatal(err)
	}
	label := c.FS().Label()
	capacity := c.FS().Capacity()
	want := volumeTree(t, c.FS())
	wantInfo, _ := c.FS().Stat("/a.txt")
	c.Close()

	before, _ := os.Stat(container)
	metrics := NewMetrics()
	if err := Compact(container, testPassword, CompactOptions{Config: cfg, Metrics: metrics}); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	after, _ := os.Stat(container)
	if after.Size() >= before.Size() {
		t.Errorf("container grew from %d to %d bytes", before.Size(), after.Size())
	}
	for _, suffix := range []string{compactNewSuffix, compactOldSuffix} {
		if _, err := os.Stat(container + suffix); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s left behind", suffix)
		}
	}
	if testutil.ToFloat64(metrics.CopyBytesTotal.WithLabelValues("compact")) == 0 {
		t.Error("compact bytes metric not recorded")
	}

	c, err = OpenContainer(container, testPassword, cfg)
	if err != nil {
		t.Fatalf("OpenContainer() after compaction error = %v", err)
	}
	defer c.Close()
	compareTrees(t, volumeTree(t, c.FS()), want)
	if c.FS().Label() != label || c.FS().Capacity() != capacity {
		t.Errorf("volume identity changed: label %q capacity %d", c.FS().Label(), c.FS().Capacity())
	}
	info, _ := c.FS().Stat("/a.txt")
	if !info.ModTime().Equal(wantInfo.ModTime()) {
		t.Errorf("ModTime = %v, want %v", info.ModTime(), wantInfo.ModTime())
	}
}

func TestCompactWrongPassword(t *testing.T) {
	cfg := testConfig()
	container := newTestContainer(t, cfg)
	before, _ := os.ReadFile(container)

	if err := Compact(container, []byte("wrong"), CompactOptions{Config: cfg}); !IsWrongPassword(err) {
		t.Fatalf("Compact() error = %v, want wrong password", err)
	}
	after, _ := os.ReadFile(container)
	if !bytes.Equal(before, after) {
		t.Error("rejected compaction modified the container")
	}
	if _, err := os.Stat(container + compactNewSuffix); !errors.Is(err, fs.ErrNotExist) {
		t.Error("rejected compaction left a .new file")
	}
}

func TestRecoverCompaction(t *testing.T) {
	tests := []struct {
		name     string
		present  []string
		want     RecoveryAction
		wantBody string
		wantGone []string
	}{
		{"clean", []string{""}, RecoveryNone, "main", nil},
		{"copy interrupted", []string{"", compactNewSuffix}, RecoveryDiscardedNew, "main", []string{compactNewSuffix}},
		{"between renames", []string{compactNewSuffix, compactOldSuffix}, RecoveryCompletedSwap, "new", []string{compactNewSuffix, compactOldSuffix}},
		{"before cleanup", []string{"", compactOldSuffix}, RecoveryRemovedOld, "main", []string{compactOldSuffix}},
		{"only old", []string{compactOldSuffix}, RecoveryRestoredOld, "old", []string{compactOldSuffix}},
	}
	bodies := map[string]string{"": "main", compactNewSuffix: "new", compactOldSuffix: "old"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c"+ContainerExtension)
			for _, suffix := range tt.present {
				writeHostFile(t, path+suffix, []byte(bodies[suffix]))
			}
			got, err := RecoverCompaction(path)
			if err != nil {
				t.Fatalf("RecoverCompaction() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RecoverCompaction() = %v, want %v", got, tt.want)
			}
			data, err := os.ReadFile(path)
			if err != nil || string(data) != tt.wantBody {
				t.Errorf("container = %q, %v; want %q", data, err, tt.wantBody)
			}
			for _, suffix := range tt.wantGone {
				if _, err := os.Stat(path + suffix); !errors.Is(err, fs.ErrNotExist) {
					t.Errorf("%s still exists", suffix)
				}
			}
		})
	}

	missing := filepath.Join(t.TempDir(), "none"+ContainerExtension)
	if got, err := RecoverCompaction(missing); err != nil || got != RecoveryNone {
		t.Errorf("RecoverCompaction() with nothing present = %v, %v", got, err)
	}
}

func TestCompactRecoversFirst(t *testing.T) {
	cfg := testConfig()
	container := newTestContainer(t, cfg)
	writeHostFile(t, container+compactNewSuffix, []byte("stale"))

	if err := Compact(container, testPassword, CompactOptions{Config: cfg}); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if _, err := os.Stat(container + compactNewSuffix); !errors.Is(err, fs.ErrNotExist) {
		t.Error("stale .new survived compaction")
	}
	if ok, _ := VerifyPassword(container, testPassword, cfg); !ok {
		t.Error("compacted container rejects its password")
	}
}

func TestRecoveryActionString(t *testing.T) {
	for a, want := range map[RecoveryAction]string{
		RecoveryNone:          "none",
		RecoveryDiscardedNew:  "discarded_new",
		RecoveryCompletedSwap: "completed_swap",
		RecoveryRemovedOld:    "removed_old",
		RecoveryRestoredOld:   "restored_old",
		RecoveryAction(99):    "unknown",
	} {
		if a.String() != want {
			t.Errorf("String() = %q, want %q", a.String(), want)
		}
	}
}
