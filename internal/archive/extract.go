package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// errUnsafeEntry marks an entry that would land outside the extraction directory.
var errUnsafeEntry = errors.New("entry escapes extraction directory")

// Extract unpacks the archive at src into dest, which must not exist yet or be empty.
// Corrupt or unsafe input yields an *ArchiveFormatError.
func Extract(ctx context.Context, src string, kind Kind, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}

	var err error
	switch kind {
	case KindZip:
		err = extractZip(ctx, src, dest)
	case KindTar:
		err = extractTar(ctx, src, dest)
	case KindISO:
		err = extractISO(ctx, src, dest)
	default:
		return &ArchiveFormatError{Path: src, Reason: fmt.Sprintf("unsupported archive kind %q", kind)}
	}
	if err == nil {
		err = verifyLinks(dest)
	}
	if err == nil {
		return nil
	}

	var formatErr *ArchiveFormatError
	switch {
	case errors.As(err, &formatErr):
		return err
	case errors.Is(err, errUnsafeEntry):
		return &ArchiveFormatError{Path: src, Reason: "unsafe entry", Err: err}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

func extractZip(ctx context.Context, src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return &ArchiveFormatError{Path: src, Reason: "corrupt zip archive", Err: err}
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}
		mode := file.Mode()

		switch {
		case mode.IsDir():
			if err := makeDir(target); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			linkTarget, err := readZipEntry(file)
			if err != nil {
				return &ArchiveFormatError{Path: src, Reason: "corrupt zip entry " + file.Name, Err: err}
			}
			if err := writeSymlink(dest, target, linkTarget); err != nil {
				return err
			}
		default:
			rc, err := file.Open()
			if err != nil {
				return &ArchiveFormatError{Path: src, Reason: "corrupt zip entry " + file.Name, Err: err}
			}
			err = writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return &ArchiveFormatError{Path: src, Reason: "corrupt zip entry " + file.Name, Err: err}
			}
		}
	}
	return nil
}

func readZipEntry(file *zip.File) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func extractTar(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buffered := bufio.NewReader(f)
	var stream io.Reader = buffered
	if magic, err := buffered.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return &ArchiveFormatError{Path: src, Reason: "corrupt gzip stream", Err: err}
		}
		defer gz.Close()
		stream = gz
	}

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ArchiveFormatError{Path: src, Reason: "corrupt tar archive", Err: err}
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := makeDir(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return &ArchiveFormatError{Path: src, Reason: "corrupt tar entry " + header.Name, Err: err}
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dest, target, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			existing, err := safeJoin(dest, header.Linkname)
			if err != nil {
				return err
			}
			if info, err := os.Lstat(existing); err != nil || !info.Mode().IsRegular() {
				return fmt.Errorf("%w: hard link %q -> %q", errUnsafeEntry, header.Name, header.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Link(existing, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and pax metadata carry no schema content.
		}
	}
}

func extractISO(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return &ArchiveFormatError{Path: src, Reason: "corrupt iso9660 image", Err: err}
	}
	root, err := image.RootDir()
	if err != nil {
		return &ArchiveFormatError{Path: src, Reason: "corrupt iso9660 image", Err: err}
	}
	return extractISODir(ctx, src, root, dest, "")
}

func extractISODir(ctx context.Context, src string, dir *iso9660.File, dest, rel string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return &ArchiveFormatError{Path: src, Reason: "corrupt iso9660 directory " + rel, Err: err}
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, _, _ := strings.Cut(child.Name(), ";")
		if name == "" || name == "." || name == ".." {
			continue
		}
		childRel := path.Join(rel, name)
		target, err := safeJoin(dest, childRel)
		if err != nil {
			return err
		}

		if child.IsDir() {
			if err := makeDir(target); err != nil {
				return err
			}
			if err := extractISODir(ctx, src, child, dest, childRel); err != nil {
				return err
			}
			continue
		}
		if err := writeFile(target, child.Reader(), 0o644); err != nil {
			return &ArchiveFormatError{Path: src, Reason: "corrupt iso9660 entry " + childRel, Err: err}
		}
	}
	return nil
}

// safeJoin resolves an archive entry name under dest, rejecting absolute names,
// names that climb out of dest and names below a symlink extracted earlier.
func safeJoin(dest, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if slashed == "" || strings.HasPrefix(slashed, "/") || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", errUnsafeEntry, name)
	}

	cleaned := path.Clean(slashed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", errUnsafeEntry, name)
	}

	target := filepath.Join(dest, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errUnsafeEntry, name)
	}
	if err := checkParents(dest, rel); err != nil {
		return "", fmt.Errorf("%w: %q: %v", errUnsafeEntry, name, err)
	}
	return target, nil
}

// checkParents walks the directories between dest and the entry at rel and
// fails if any of them already exists as a symlink.
func checkParents(dest, rel string) error {
	parts := strings.Split(rel, string(filepath.Separator))
	current := dest
	for _, part := range parts[:len(parts)-1] {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("parent %q is a symlink", current)
		}
	}
	return nil
}

func makeDir(target string) error {
	if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("%w: directory %q replaces a symlink", errUnsafeEntry, target)
	}
	return os.MkdirAll(target, 0o755)
}

// writeSymlink creates a symlink at target whose destination must stay inside dest.
// target has already passed safeJoin, so its parent directory is real.
func writeSymlink(dest, target, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("%w: symlink %q -> %q", errUnsafeEntry, target, linkname)
	}

	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q -> %q", errUnsafeEntry, target, linkname)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		return fmt.Errorf("%w: symlink %q replaces a directory", errUnsafeEntry, target)
	}
	_ = os.Remove(target)
	return os.Symlink(linkname, target)
}

// verifyLinks resolves every symlink left in dest and fails if one leads outside
// it, which a link chained through another link can do even when each link
// looks contained on its own. Dangling links are left alone.
func verifyLinks(dest string) error {
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	return filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: symlink %q: %v", errUnsafeEntry, p, err)
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: symlink %q resolves to %q", errUnsafeEntry, p, resolved)
		}
		return nil
	})
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	if perm == 0 {
		perm = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
