package image

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// writeBuildContext streams a tar build context holding the rendered Dockerfile and
// the compiler release unpacked under tool/.
func writeBuildContext(w io.Writer, dockerfile string, distribution string) error {
	tw := tar.NewWriter(w)
	modTime := time.Unix(0, 0)

	if err := tw.WriteHeader(&tar.Header{
		Name:     "Dockerfile",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(dockerfile)),
		ModTime:  modTime,
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(tw, dockerfile); err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{Name: "tool/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime}); err != nil {
		return err
	}

	release, err := zip.OpenReader(distribution)
	if err != nil {
		return fmt.Errorf("open compiler release %s: %w", distribution, err)
	}
	defer release.Close()

	for _, file := range release.File {
		slashed := strings.ReplaceAll(file.Name, "\\", "/")
		name := path.Clean(slashed)
		if name == "." {
			continue
		}
		if name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(slashed, "/") {
			return fmt.Errorf("compiler release %s: unsafe entry %q", distribution, file.Name)
		}

		mode := file.Mode()
		header := &tar.Header{
			Name:    "tool/" + name,
			Mode:    int64(mode.Perm()),
			ModTime: modTime,
		}
		if mode.IsDir() {
			header.Typeflag = tar.TypeDir
			header.Name += "/"
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			continue
		}

		if mode&fs.ModeSymlink != 0 {
			target, err := readLink(file)
			if err != nil {
				return fmt.Errorf("read %s from compiler release: %w", file.Name, err)
			}
			resolved := path.Join(path.Dir(name), target)
			if path.IsAbs(target) || resolved == ".." || strings.HasPrefix(resolved, "../") {
				return fmt.Errorf("compiler release %s: symlink %q -> %q leaves the release", distribution, file.Name, target)
			}
			header.Typeflag = tar.TypeSymlink
			header.Linkname = target
			header.Mode = 0o777
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			continue
		}

		header.Typeflag = tar.TypeReg
		header.Size = int64(file.UncompressedSize64)
		if header.Mode == 0 {
			header.Mode = 0o644
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("read %s from compiler release: %w", file.Name, err)
		}
		_, err = io.Copy(tw, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read %s from compiler release: %w", file.Name, err)
		}
	}

	return tw.Close()
}

func readLink(file *zip.File) (string, error) {
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
