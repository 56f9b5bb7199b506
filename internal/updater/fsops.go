package updater

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// backupInstall moves the current install aside. Rename is preferred:
// it is atomic and safe even when this process runs from inside the
// install dir, since the open executable keeps its inode. The copy
// fallback covers a backup dir on another filesystem.
func backupInstall(installDir, backupDir string) error {
	if err := os.MkdirAll(filepath.Dir(backupDir), 0o700); err != nil {
		return fmt.Errorf("create backup parent: %w", err)
	}
	// A stale backup from a crashed earlier run would block the rename.
	if err := os.RemoveAll(backupDir); err != nil {
		return fmt.Errorf("clear stale backup: %w", err)
	}

	if err := os.Rename(installDir, backupDir); err == nil {
		if err := os.MkdirAll(installDir, 0o755); err != nil {
			return fmt.Errorf("recreate install dir: %w", err)
		}
		return nil
	}

	if err := copyTree(installDir, backupDir); err != nil {
		return fmt.Errorf("copy install to backup: %w", err)
	}
	if err := removeContents(installDir); err != nil {
		return fmt.Errorf("clear install dir: %w", err)
	}
	return nil
}

// deploy copies the staged release into the install dir.
func deploy(stagingDir, installDir string) error {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	if err := copyTree(stagingDir, installDir); err != nil {
		return fmt.Errorf("copy release: %w", err)
	}
	return nil
}

// restoreInstall puts the backup back in place of the install dir.
func restoreInstall(backupDir, installDir string) error {
	if _, err := os.Stat(backupDir); err != nil {
		return fmt.Errorf("backup missing: %w", err)
	}
	if err := os.RemoveAll(installDir); err != nil {
		return fmt.Errorf("clear broken install: %w", err)
	}
	if err := os.Rename(backupDir, installDir); err == nil {
		return nil
	}
	if err := copyTree(backupDir, installDir); err != nil {
		return fmt.Errorf("copy backup back: %w", err)
	}
	return os.RemoveAll(backupDir)
}

// copyTree copies src into dst preserving file modes.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			// Release trees contain regular files only.
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// removeContents empties dir without removing dir itself. A missing
// dir counts as empty.
func removeContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// versionOf extracts the release version from a staging path of the
// form updates/extracted/<version>.
func versionOf(stagingPath string) string {
	return filepath.Base(filepath.Clean(stagingPath))
}
