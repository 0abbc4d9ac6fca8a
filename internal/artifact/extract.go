package artifact

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Extract expands archivePath into targetDir, overwriting existing entries.
// onProgress receives the fraction of entries written and never decreases.
// Zip, tar.gz and tar.zst are detected by extension, then by magic header.
func Extract(ctx context.Context, archivePath, targetDir string, onProgress func(float64)) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return &TransferError{Op: "extract", Src: archivePath, Err: err}
	}
	var err error
	switch detect(archivePath) {
	case formatZip:
		err = unzip(ctx, archivePath, targetDir, onProgress)
	case formatGzip:
		err = untar(ctx, archivePath, targetDir, onProgress, func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		})
	case formatZstd:
		err = untar(ctx, archivePath, targetDir, onProgress, func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		})
	default:
		err = errors.New("unsupported archive format")
	}
	if err != nil {
		return &TransferError{Op: "extract", Src: archivePath, Err: err}
	}
	return nil
}

type format int

const (
	formatUnknown format = iota
	formatZip
	formatGzip
	formatZstd
)

func detect(p string) format {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatZstd
	}
	// Fallback: detect by magic header (download URLs often carry no extension)
	f, err := os.Open(p)
	if err != nil {
		return formatUnknown
	}
	defer f.Close()
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return formatUnknown
	}
	switch {
	case hdr[0] == 0x50 && hdr[1] == 0x4B && hdr[2] == 0x03 && hdr[3] == 0x04:
		return formatZip
	case hdr[0] == 0x1F && hdr[1] == 0x8B:
		return formatGzip
	case hdr[0] == 0x28 && hdr[1] == 0xB5 && hdr[2] == 0x2F && hdr[3] == 0xFD:
		return formatZstd
	}
	return formatUnknown
}

// safeJoin resolves name under root and rejects entries that would land
// outside it.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	dst := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dst)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("archive entry %q escapes target directory", name)
	}
	return dst, nil
}

func writeFile(dst string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if mode&0o200 == 0 {
		mode |= 0o600
	}
	// Remove first so a running or read-only executable can be replaced.
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func unzip(ctx context.Context, archivePath, targetDir string, onProgress func(float64)) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()
	total := len(r.File)
	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		dstPath, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return err
			}
		} else {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = writeFile(dstPath, f.Mode(), rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
		if onProgress != nil {
			onProgress(float64(i+1) / float64(total))
		}
	}
	return nil
}

// untar walks a compressed tarball twice: once to count regular entries for
// progress, once to write them.
func untar(ctx context.Context, archivePath, targetDir string, onProgress func(float64), decompress func(io.Reader) (io.ReadCloser, error)) error {
	total, err := walkTar(archivePath, decompress, nil)
	if err != nil {
		return err
	}
	done := 0
	_, err = walkTar(archivePath, decompress, func(hdr *tar.Header, tr *tar.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dstPath, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dstPath, os.FileMode(hdr.Mode), tr); err != nil {
				return err
			}
		default:
			// links and devices are not part of executor archives
		}
		done++
		if onProgress != nil && total > 0 {
			onProgress(float64(done) / float64(total))
		}
		return nil
	})
	return err
}

func walkTar(archivePath string, decompress func(io.Reader) (io.ReadCloser, error), fn func(*tar.Header, *tar.Reader) error) (int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dr, err := decompress(f)
	if err != nil {
		return 0, err
	}
	defer dr.Close()
	tr := tar.NewReader(dr)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		if fn != nil {
			if err := fn(hdr, tr); err != nil {
				return n, err
			}
		}
	}
}
