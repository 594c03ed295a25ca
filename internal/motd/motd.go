// Package motd writes the dead-end announcement into a message-of-the-day
// directory. The target file is replaced atomically: a reader sees either
// the previous complete file or the new complete file, never a partial one.
package motd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FileName is the name of the announcement inside the MOTD directory.
	FileName = "deadend.motd"

	// TempPattern names in-progress writes. Leftovers matching it after a
	// crash are safe to delete by hand.
	TempPattern = ".deadend.*.motd.partial"

	// FileMode is rw-rw-r--. The temporary file is created 0600, so the
	// mode is set explicitly before the rename.
	FileMode fs.FileMode = 0o664

	messagePrefix = "This release is a dead-end and won't auto-update"
)

// Failure stages reported by Write. Match with errors.Is.
var (
	ErrCreateTemp  = errors.New("failed to create temporary MOTD file")
	ErrPermissions = errors.New("failed to set permissions of temporary MOTD file")
	ErrWrite       = errors.New("failed to write MOTD")
	ErrPersist     = errors.New("failed to persist temporary MOTD file")
)

// Path returns the location of the announcement inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Render returns the file content for reason. Line breaks inside reason are
// folded into single spaces so the result is always exactly one line.
func Render(reason string) string {
	reason = foldLines(reason)
	if reason == "" {
		return messagePrefix + ".\n"
	}
	return messagePrefix + ": " + reason + "\n"
}

func foldLines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' })
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return strings.TrimSpace(strings.Join(fields, " "))
}

// Write atomically replaces <dir>/deadend.motd with the rendered reason.
// dir must exist and be writable. On error the previous file, if any, is left
// untouched and no temporary file remains.
func Write(reason, dir string) error {
	return write(reason, dir, nil)
}

// write is Write with a hook that runs after the content is flushed and
// before the rename. Tests use it to simulate a crash at that point.
func write(reason, dir string, beforeRename func(tmpPath string) error) (err error) {
	f, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateTemp, err)
	}
	tmpPath := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := f.Chmod(FileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrPermissions, err)
	}

	if _, err := f.WriteString(Render(reason)); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrWrite, err)
	}

	if beforeRename != nil {
		if err := beforeRename(tmpPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, Path(dir)); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// SyncDir flushes the directory entry of a completed rename to disk.
// Write has already replaced the file when this is called, so a failure
// here only weakens durability across a power loss.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
