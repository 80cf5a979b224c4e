package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// File is one file to pack: Name inside the archive, Path on disk.
type File struct {
	Name string
	Path string
}

// Pack writes files as a tar.gz stream. Headers carry no timestamps or
// ownership so the same inputs always produce the same bytes.
func Pack(w io.Writer, files []File) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := packFile(tarWriter, f); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func packFile(tw *tar.Writer, f File) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     f.Name,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}

// PackDir packs every regular file below dir, named relative to dir.
func PackDir(w io.Writer, dir string) error {
	names, err := Collect(dir, "**")
	if err != nil {
		return err
	}
	files := make([]File, 0, len(names))
	for _, name := range names {
		files = append(files, File{Name: name, Path: filepath.Join(dir, filepath.FromSlash(name))})
	}
	return Pack(w, files)
}

// Unpack extracts the regular files of a tar.gz stream accepted by match
// into dest and returns their names. Entries escaping dest are rejected.
func Unpack(r io.Reader, dest string, match func(name string) bool) ([]string, error) {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var extracted []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("failed to read tar header: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return extracted, fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		if header.Typeflag != tar.TypeReg {
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
			continue
		}
		if match != nil && !match(name) {
			continue
		}

		targetPath := filepath.Join(dest, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return extracted, fmt.Errorf("failed to create parent directory: %w", err)
		}

		outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm()|0o600)
		if err != nil {
			return extracted, fmt.Errorf("failed to create file: %w", err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return extracted, fmt.Errorf("failed to extract file: %w", err)
		}
		if err := outFile.Close(); err != nil {
			return extracted, fmt.Errorf("failed to close file: %w", err)
		}
		extracted = append(extracted, name)
	}

	return extracted, nil
}
