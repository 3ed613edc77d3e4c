package fetcher

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads remote files.
type Fetcher interface {
	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Source locates the GeoNames dump: where it is published and where the
// extracted TSV lives locally.
type Source struct {
	URL  string // e.g. https://download.geonames.org/export/dump/cities1000.zip
	Dir  string // local cache directory
	File string // TSV name inside the archive, e.g. cities1000.txt
}

// Path returns the local path of the extracted TSV.
func (s Source) Path() string {
	return filepath.Join(s.Dir, s.File)
}

// EnsureSource returns the local TSV path, downloading and unpacking the
// archive first when the file is not already cached.
func EnsureSource(ctx context.Context, f Fetcher, src Source) (string, error) {
	log := zap.L().With(zap.String("component", "fetcher.source"), zap.String("path", src.Path()))

	if _, err := os.Stat(src.Path()); err == nil {
		log.Info("using cached source")
		return src.Path(), nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", eris.Wrapf(err, "fetcher: stat %s", src.Path())
	}

	if src.URL == "" {
		return "", eris.Errorf("fetcher: %s missing and no download URL configured", src.Path())
	}
	if err := os.MkdirAll(src.Dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "fetcher: create %s", src.Dir)
	}

	name, err := archiveName(src.URL)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(src.Dir, name)

	log.Info("download starting", zap.String("url", src.URL))
	n, err := f.DownloadToFile(ctx, src.URL, dest)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: download %s", src.URL)
	}
	log.Info("download finished", zap.Int64("bytes", n))

	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		if name != src.File {
			if err := os.Rename(dest, src.Path()); err != nil {
				return "", eris.Wrap(err, "fetcher: rename download")
			}
		}
		return src.Path(), nil
	}

	extracted, err := ExtractZIPFile(dest, src.File, src.Dir)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: extract %s", src.File)
	}
	return extracted, nil
}

func archiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", eris.Errorf("fetcher: url %q has no file name", rawURL)
	}
	return name, nil
}
