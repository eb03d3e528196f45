package writer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// copyFile copies src to dst, replacing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return closeErr
	}
	return nil
}

// moveFile renames src to dst, falling back to copy and remove across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// MoveFileToDir moves srcPath into dstDir, suffixing the name when a file of
// the same name is already there.
func MoveFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}
	if err := moveFile(srcPath, dstPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

// backup copies path next to itself and returns the copy's name.
func backup(path string) (string, error) {
	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, "."+base+".*.bak")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := copyFile(path, name); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// restore puts a backup back in place of path.
func restore(backupPath, path string) error {
	return moveFile(backupPath, path)
}

// retire removes a backup, or keeps it in keepDir when set.
func retire(backupPath, original, keepDir string) (string, error) {
	if keepDir == "" {
		return "", os.Remove(backupPath)
	}
	ext := filepath.Ext(original)
	name := strings.TrimSuffix(filepath.Base(original), ext) + ".bak" + ext
	tmp := filepath.Join(filepath.Dir(backupPath), name)
	if err := moveFile(backupPath, tmp); err != nil {
		return "", err
	}
	return MoveFileToDir(tmp, keepDir)
}

// SaveAtomic writes a temp file in the destination directory via write and
// renames it over path. The result keeps the mode of the file it replaces;
// a new file gets 0644.
func SaveAtomic(path string, write func(w io.Writer) error) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	writeErr := write(tmp)
	if writeErr == nil {
		writeErr = tmp.Chmod(mode)
	}
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteFileAtomic is SaveAtomic for an in-memory payload.
func WriteFileAtomic(path string, data []byte) error {
	return SaveAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
