// Package utils provides utility functions and types for the WorkOS user import tool.
package utils

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ValidateFilePath ensures the directory for the given file path exists
// and the path itself is non‐empty and contains no parent refs.
// It returns an error if the path is invalid or if the parent directory doesn't exist.
func ValidateFilePath(path string) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid file path: contains parent directory reference")
	}
	// now ensure the parent directory exists
	dir := filepath.Dir(cleanPath)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("error accessing directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("parent path %s is not a directory", dir)
	}
	return nil
}

// CreateCSVFileWithHeader creates the CSV file at path, writes the header, and returns the file & writer.
// The path is first validated using ValidateFilePath.
// Returns an error if the file cannot be created or if writing the header fails.
func CreateCSVFileWithHeader(path string, header []string) (*os.File, *csv.Writer, error) {
	// validate the path first
	if err := ValidateFilePath(path); err != nil {
		return nil, nil, err
	}

	// #nosec G304  // safe: path has been validated by ValidateFilePath
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSV file %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		if err := f.Close(); err != nil {
			slog.Error("failed to close file after header write error", "error", err)
		}
		return nil, nil, fmt.Errorf("failed to write header to file %s: %w", path, err)
	}
	return f, w, nil
}

// WriteFileAtomic writes data to path by writing a temporary sibling file first
// and renaming it into place. A reader never observes a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		if cerr := tmp.Close(); cerr != nil {
			slog.Error("failed to close temp file after write error", "error", cerr)
		}
		if rerr := os.Remove(tmpName); rerr != nil {
			slog.Error("failed to remove temp file", "error", rerr)
		}
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		if cerr := tmp.Close(); cerr != nil {
			slog.Error("failed to close temp file after sync error", "error", cerr)
		}
		return fmt.Errorf("failed to sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// HashFileSHA256 returns the hex-encoded SHA-256 digest of the file at path.
func HashFileSHA256(path string) (string, error) {
	// #nosec G304  // the path comes from operator-supplied configuration
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("failed to close file after hashing", "error", err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
