package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_CreateAppendRead(t *testing.T) {
	dir := t.TempDir()
	osfs := OSFileSystem{}

	if err := osfs.MkdirAll(filepath.Join(dir, "images"), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if !osfs.Exists(filepath.Join(dir, "images")) {
		t.Fatal("expected images directory to exist")
	}

	path := filepath.Join(dir, "log.csv")
	w, err := osfs.OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend failed: %v", err)
	}
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w, err = osfs.OpenAppend(path)
	if err != nil {
		t.Fatalf("second OpenAppend failed: %v", err)
	}
	w.Write([]byte("b\n"))
	w.Close()

	data, err := osfs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "a\nb\n" {
		t.Errorf("content = %q, want %q", data, "a\nb\n")
	}

	info, err := osfs.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 4 {
		t.Errorf("size = %d, want 4", info.Size())
	}
}

func TestMemoryFileSystem_CreateTruncates(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.MkdirAll("/out", 0755)

	w, err := mfs.Create("/out/a.png")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w.Write([]byte("first"))
	w.Close()

	w, _ = mfs.Create("/out/a.png")
	w.Write([]byte("second"))
	w.Close()

	data, err := mfs.ReadFile("/out/a.png")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}
	if got := mfs.WriteCount("/out/a.png"); got != 1 {
		t.Errorf("WriteCount = %d, want 1", got)
	}
}

func TestMemoryFileSystem_WritesVisibleBeforeClose(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.OpenAppend("log.csv")
	if err != nil {
		t.Fatalf("OpenAppend failed: %v", err)
	}
	defer w.Close()

	w.Write([]byte("header\n"))
	data, _ := mfs.ReadFile("log.csv")
	if string(data) != "header\n" {
		t.Errorf("content = %q, want %q", data, "header\n")
	}
}

func TestMemoryFileSystem_MissingParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Create("/missing/dir/file.png")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_InjectedErrors(t *testing.T) {
	mfs := NewMemoryFileSystem()
	disk := errors.New("no space left on device")

	mfs.CreateErr = disk
	if _, err := mfs.Create("a"); !errors.Is(err, disk) {
		t.Errorf("Create error = %v, want %v", err, disk)
	}

	mfs.CreateErr = nil
	mfs.WriteErr = disk
	w, err := mfs.Create("a")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, disk) {
		t.Errorf("Write error = %v, want %v", err, disk)
	}
}

func TestMemoryFileSystem_StatAndFiles(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.MkdirAll("images/sub", 0755)

	info, err := mfs.Stat("images")
	if err != nil {
		t.Fatalf("Stat dir failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected images to be a directory")
	}

	for _, name := range []string{"images/b.png", "images/a.png", "other.csv"} {
		w, err := mfs.Create(name)
		if err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
		w.Close()
	}

	files := mfs.Files("images")
	if len(files) != 2 || files[0] != "images/a.png" || files[1] != "images/b.png" {
		t.Errorf("Files() = %v", files)
	}

	if _, err := mfs.Stat("nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_RenameRemove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.MkdirAll("images", 0755)

	for name, body := range map[string]string{"images/a.png": "old", "images/.a.png.tmp": "new"} {
		w, err := mfs.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
		w.Close()
	}

	if err := mfs.Rename("images/.a.png.tmp", "images/a.png"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got, _ := mfs.ReadFile("images/a.png"); string(got) != "new" {
		t.Errorf("renamed content = %q, want new", got)
	}
	if mfs.Exists("images/.a.png.tmp") {
		t.Error("source should be gone after rename")
	}
	if err := mfs.Rename("images/missing", "images/b.png"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}

	if err := mfs.Remove("images/a.png"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := mfs.Remove("images/a.png"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
