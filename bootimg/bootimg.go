// Package bootimg reads the flat executable a guest boots from.
//
// An image is either a raw disk image whose first sector is the boot sector, or a
// cpio archive whose regular members are laid out one after another on sector
// boundaries (so a boot.bin and a kernel.bin become sector 1 and sectors 2+).
package bootimg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/schollz/progressbar/v3"
)

// SectorSize is the unit cpio members are padded to.
const SectorSize = 512

var (
	ErrNotFound = errors.New("bootimg: not found")
	ErrStat     = errors.New("bootimg: stat failed")
	ErrRead     = errors.New("bootimg: read failed")
	ErrFetch    = errors.New("bootimg: fetch failed")
	ErrScheme   = errors.New("bootimg: unsupported url scheme")
	ErrBundle   = errors.New("bootimg: bad cpio bundle")
)

// Load reads the whole file at path into a buffer of exactly its size.
// The caller owns the returned buffer.
func Load(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStat, err)
	}

	buf := make([]byte, fi.Size())
	if len(buf) == 0 {
		return buf, nil
	}

	n, err := f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	if n != len(buf) {
		return nil, fmt.Errorf("%w: short read: %d of %d bytes", ErrRead, n, len(buf))
	}

	return buf, nil
}

// Open reads the image named by src: a file path, a file:// URL, or an http(s):// URL.
// Anything without a "scheme://" prefix is a path and is used as is, so names may
// contain '#', '?', '%' or ':'. Download progress is drawn on progress, which may be
// nil. A cpio bundle is flattened with Unbundle.
func Open(ctx context.Context, src string, progress io.Writer) (img []byte, err error) {
	if !strings.Contains(src, "://") {
		img, err = Load(src)
	} else {
		img, err = openURL(ctx, src, progress)
	}

	if err != nil {
		return nil, err
	}

	if IsBundle(img) {
		return Unbundle(img)
	}

	return img, nil
}

func openURL(ctx context.Context, src string, progress io.Writer) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	switch u.Scheme {
	case "file":
		return Load(u.Path)

	case "http", "https":
		return Fetch(ctx, u.String(), progress)

	default:
		return nil, fmt.Errorf("%w: %s", ErrScheme, u.Scheme)
	}
}

// Fetch downloads an image over http(s).
func Fetch(ctx context.Context, url string, progress io.Writer) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: response status %d != %d", ErrFetch, res.StatusCode, http.StatusOK)
	}

	if progress == nil {
		progress = io.Discard
	}

	bar := progressbar.NewOptions64(res.ContentLength,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription("fetch "+url),
		progressbar.OptionClearOnFinish(),
	)

	defer bar.Close()

	var buf bytes.Buffer
	if res.ContentLength > 0 {
		buf.Grow(int(res.ContentLength))
	}

	if _, err := io.Copy(io.MultiWriter(&buf, bar), res.Body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	return buf.Bytes(), nil
}

// IsBundle reports whether img starts with a cpio header (newc, crc, or odc).
func IsBundle(img []byte) bool {
	return bytes.HasPrefix(img, []byte("0707"))
}

// Unbundle concatenates the regular members of a cpio archive in archive order,
// padding each but the last to a sector boundary.
func Unbundle(archive []byte) ([]byte, error) {
	var (
		img bytes.Buffer
		r   = cpio.NewReader(bytes.NewReader(archive))
	)

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBundle, err)
		}

		// directories and links carry no sectors
		if hdr.Size == 0 || hdr.Linkname != "" {
			continue
		}

		if pad := img.Len() % SectorSize; pad != 0 {
			img.Write(make([]byte, SectorSize-pad))
		}

		if _, err := io.CopyN(&img, r, hdr.Size); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBundle, hdr.Name, err)
		}
	}

	if img.Len() == 0 {
		return nil, fmt.Errorf("%w: no regular members", ErrBundle)
	}

	return img.Bytes(), nil
}
