package casefs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reithan/lmodvfs/fusetesting"
)

func mustOpenRoot(t *testing.T, dir string) *Dir {
	t.Helper()
	d, err := OpenRoot(dir)
	if err != nil {
		t.Fatalf("OpenRoot(%s): %v", dir, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenResolvesCaseInsensitively(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "Data", "Textures"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "Data", "Textures", "Rock.dds"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	d := mustOpenRoot(t, tmp)

	f, err := d.Open("data/textures/rock.dds", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("case-insensitive open failed: %v", err)
	}
	f.Close()
}

func TestStatNotFound(t *testing.T) {
	tmp := t.TempDir()
	d := mustOpenRoot(t, tmp)
	if _, err := d.Stat("nope.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMkdirIdempotentAcrossCasing(t *testing.T) {
	tmp := t.TempDir()
	d := mustOpenRoot(t, tmp)

	if err := d.Mkdir("Meshes", 0755); err != nil {
		t.Fatalf("first mkdir: %v", err)
	}
	// Existing (case-insensitively) directory resolves without error.
	if err := d.Mkdir("meshes", 0755); err != nil {
		t.Fatalf("second mkdir (existing, different case): %v", err)
	}

	entries, err := d.ReadDir()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one directory created, got %d", len(entries))
	}
}

func TestUnlinkResolvesCaseInsensitively(t *testing.T) {
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "Foo.ESP"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := mustOpenRoot(t, tmp)

	if err := d.Unlink("foo.esp", false); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "Foo.ESP")); !os.IsNotExist(err) {
		t.Fatal("expected file removed from disk")
	}
}

func TestCopyPreservesContent(t *testing.T) {
	srcTmp, dstTmp := t.TempDir(), t.TempDir()
	content := []byte("plugin data here")
	if err := os.WriteFile(filepath.Join(srcTmp, "Plugin.esp"), content, 0644); err != nil {
		t.Fatal(err)
	}

	src := mustOpenRoot(t, srcTmp)
	dst := mustOpenRoot(t, dstTmp)

	if err := src.Copy("plugin.esp", dst, "Plugin.esp", 0644); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstTmp, "Plugin.esp"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("copied content = %q, want %q", got, content)
	}
}

func TestRenameAcrossDirs(t *testing.T) {
	srcTmp, dstTmp := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcTmp, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	src := mustOpenRoot(t, srcTmp)
	dst := mustOpenRoot(t, dstTmp)

	if err := src.Rename("a.txt", dst, "b.txt"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstTmp, "b.txt")); err != nil {
		t.Fatalf("expected renamed file at destination: %v", err)
	}
}

func TestCanonicalizeRewritesCasing(t *testing.T) {
	tmp := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmp, "Data", "Meshes"), 0755); err != nil {
		t.Fatal(err)
	}
	d := mustOpenRoot(t, tmp)

	got, err := d.Canonicalize("data/meshes")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Data/Meshes" {
		t.Fatalf("Canonicalize = %q, want %q", got, "Data/Meshes")
	}
}

func TestChtimesRoundTrips(t *testing.T) {
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := mustOpenRoot(t, tmp)

	want := time.Unix(1000000000, 0)
	if err := d.Chtimes("f.txt", want, want); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fi, err := d.Stat("f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(want) {
		t.Fatalf("mtime = %v, want %v", fi.ModTime(), want)
	}
}

func TestCopyProducesDistinctInodeFromSource(t *testing.T) {
	srcTmp, dstTmp := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(srcTmp, "plugin.esp"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	src := mustOpenRoot(t, srcTmp)
	dst := mustOpenRoot(t, dstTmp)

	if err := src.Copy("plugin.esp", dst, "plugin.esp", 0644); err != nil {
		t.Fatalf("copy: %v", err)
	}

	srcEntries, err := fusetesting.ReadDirPlusPicky(srcTmp)
	if err != nil {
		t.Fatal(err)
	}
	dstEntries, err := fusetesting.ReadDirPlusPicky(dstTmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(srcEntries) != 1 || len(dstEntries) != 1 {
		t.Fatalf("expected one entry on each side, got %d and %d", len(srcEntries), len(dstEntries))
	}

	srcIno, ok := fusetesting.InodeNumber(srcEntries[0])
	if !ok {
		t.Fatal("could not extract source inode number")
	}
	dstIno, ok := fusetesting.InodeNumber(dstEntries[0])
	if !ok {
		t.Fatal("could not extract destination inode number")
	}
	if srcIno == dstIno {
		t.Fatal("Copy should produce an independent file, not a hard link")
	}
}

func TestChtimesMatchesExpectedMtime(t *testing.T) {
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "g.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := mustOpenRoot(t, tmp)

	want := time.Unix(1500000000, 0)
	if err := d.Chtimes("g.txt", want, want); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fi, err := d.Stat("g.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := fusetesting.MtimeIs(want).Matches(fi); err != nil {
		t.Fatalf("mtime matcher: %v", err)
	}
}
