package importer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrHardlinkFailed = errors.New("failed to create hardlink")
	ErrCrossDevice    = errors.New("cross-device link not supported")
	ErrSourceMissing  = errors.New("import source does not exist")
)

// Mode is how a file reached the library.
type Mode string

const (
	ModeHardlink Mode = "hardlink"
	ModeCopy     Mode = "copy"
	ModeMove     Mode = "move"
	ModeExisting Mode = "existing"
)

// PlacedFile records one file placed into the library.
type PlacedFile struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
	Size   int64  `json:"size"`
	Mode   Mode   `json:"mode"`
}

// placer moves or links files into the library.
type placer struct {
	logger   zerolog.Logger
	move     bool
	hardlink bool
}

// placeTree places every regular file under source into libraryRoot, keeping
// the path relative to source's parent so a release folder stays intact.
func (p placer) placeTree(source, libraryRoot string) ([]PlacedFile, error) {
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, source)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", source, err)
	}

	base := filepath.Dir(source)
	var placed []PlacedFile

	place := func(path string, size int64) error {
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(libraryRoot, rel)
		mode, err := p.placeFile(path, dest, size)
		if err != nil {
			return err
		}
		placed = append(placed, PlacedFile{Source: path, Dest: dest, Size: size, Mode: mode})
		return nil
	}

	if !info.IsDir() {
		if err := place(source, info.Size()); err != nil {
			return placed, err
		}
		return placed, nil
	}

	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return place(path, fi.Size())
	})
	return placed, err
}

// placeFile puts one file at dest. A destination of the same size counts as
// already placed, so retries never duplicate work.
func (p placer) placeFile(source, dest string, size int64) (Mode, error) {
	if fi, err := os.Stat(dest); err == nil {
		if fi.Mode().IsRegular() && fi.Size() == size {
			return ModeExisting, nil
		}
		if err := os.Remove(dest); err != nil {
			return "", fmt.Errorf("failed to remove existing file: %w", err)
		}
	}

	if err := ensureDestDir(dest); err != nil {
		return "", err
	}

	if p.move {
		if err := os.Rename(source, dest); err == nil {
			return ModeMove, nil
		}
		if err := copyFile(source, dest); err != nil {
			return "", err
		}
		if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove moved source: %w", err)
		}
		return ModeMove, nil
	}

	if p.hardlink {
		err := createHardlink(source, dest)
		if err == nil {
			return ModeHardlink, nil
		}
		p.logger.Debug().Err(err).Str("source", source).Msg("Hardlink failed, falling back to copy")
	}

	if err := copyFile(source, dest); err != nil {
		return "", err
	}
	return ModeCopy, nil
}

// createHardlink links dest to source. Returns ErrCrossDevice if they are on
// different filesystems.
func createHardlink(source, dest string) error {
	if err := os.Link(source, dest); err != nil {
		if isCrossDeviceError(err) {
			return fmt.Errorf("%w: %w", ErrCrossDevice, err)
		}
		return fmt.Errorf("%w: %w", ErrHardlinkFailed, err)
	}
	return nil
}

// ensureDestDir creates the destination directory, inheriting the parent's
// permissions.
func ensureDestDir(destPath string) error {
	destDir := filepath.Dir(destPath)
	if info, err := os.Stat(destDir); err == nil && info.IsDir() {
		return nil
	}

	perm := os.FileMode(0o755)
	if parentInfo, err := os.Stat(filepath.Dir(destDir)); err == nil {
		perm = parentInfo.Mode().Perm()
	}
	if err := os.MkdirAll(destDir, perm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return nil
}

// copyFile copies through a temp file renamed into place, so a crash never
// leaves a truncated file that the size check would accept.
func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".dlsync-import-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(source), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(source), err)
	}
	if err := os.Chmod(tmpName, fi.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to finalize copy: %w", err)
	}
	return nil
}

// isCrossDeviceError checks if an error is a cross-device link error.
func isCrossDeviceError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	switch runtime.GOOS {
	case "windows":
		return strings.Contains(errStr, "not on the same disk")
	default:
		return strings.Contains(errStr, "cross-device")
	}
}
