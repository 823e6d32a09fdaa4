// Package archive extracts downloaded and removable-media package archives
// and locates the package directory within the extracted tree. Unlike the
// teacher's habit of shelling out to external tools for file manipulation,
// extraction here uses archive/tar and compress/gzip directly since no
// setup-program-style opaque binary is involved and the standard library
// covers gzip+tar natively; invoking the external setup program itself
// still goes through platform.InvokeProgram.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoPackageDir is returned by FindPackageDir when no directory in the
// extracted tree directly contains a "version" file.
var ErrNoPackageDir = errors.New("archive: no package directory found (no \"version\" file)")

// ExtractTarGz unpacks the gzip-compressed tar stream r into destDir, which
// must already exist and be empty. Entries that would escape destDir via
// ".." are rejected; an absolute entry name is placed under destDir.
func ExtractTarGz(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive: failed to open gzip stream: %w", err)
	}
	defer gz.Close()
	tarReader := tar.NewReader(gz)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: failed to read tar entry: %w", err)
		}
		if err := extractEntry(tarReader, destDir, header); err != nil {
			return err
		}
	}
}

func extractEntry(r *tar.Reader, destDir string, header *tar.Header) error {
	targetPath, err := safeJoin(destDir, header.Name)
	if err != nil {
		return err
	}
	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(targetPath, 0755)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode&0777))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, r)
		return err
	case tar.TypeSymlink:
		// Symlinks inside a package archive are not honored; the setup
		// program is the only thing expected to run arbitrary logic.
		return nil
	default:
		return nil
	}
}

// safeJoin joins name onto destDir, rejecting any entry that would escape
// destDir via "..". An absolute name is joined under destDir like a relative one.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(destDir, name))
	if cleaned != destDir && !isWithin(destDir, cleaned) {
		return "", fmt.Errorf("archive: tar entry %q escapes destination directory", name)
	}
	return cleaned, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}

// FindPackageDir performs a depth-first search of root, returning the first
// directory (in a stable, sorted traversal order) that directly contains a
// file named "version".
func FindPackageDir(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, filepath.Join(root, e.Name()))
			continue
		}
		if e.Name() == "version" {
			return root, nil
		}
	}
	for _, dir := range subdirs {
		if found, err := FindPackageDir(dir); err == nil {
			return found, nil
		}
	}
	return "", ErrNoPackageDir
}
