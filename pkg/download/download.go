// Package download fetches artifacts (packages, deployed files) over HTTP
// to local paths.
package download

import (
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/wardenmdm/warden/pkg/constant"
	"github.com/wardenmdm/warden/pkg/secure"
)

// ToFile downloads the resource at u to path. The download goes through a
// temporary file and is moved into place only once fully written, so a
// partial download never replaces an existing file. If sha256hex is
// non-empty the content digest must match or the file is discarded.
func ToFile(client *http.Client, u url.URL, path, sha256hex string) error {
	return fetch(client, u, path, sha256hex, func(w io.Writer, body io.Reader) error {
		_, err := io.Copy(w, body)
		return err
	})
}

// Decompressed downloads and decompresses a gz, bz2 or xz resource at u to
// path. The checksum, when given, is verified over the decompressed
// content.
func Decompressed(client *http.Client, u url.URL, path, sha256hex string) error {
	return fetch(client, u, path, sha256hex, func(w io.Writer, body io.Reader) error {
		var decompressor io.Reader
		switch {
		case strings.HasSuffix(u.Path, "gz"):
			gz, err := gzip.NewReader(body)
			if err != nil {
				return err
			}
			decompressor = gz
		case strings.HasSuffix(u.Path, "bz2"):
			decompressor = bzip2.NewReader(body)
		case strings.HasSuffix(u.Path, "xz"):
			xzr, err := xz.NewReader(body)
			if err != nil {
				return err
			}
			decompressor = xzr
		default:
			return fmt.Errorf("unknown extension: %s", u.Path)
		}
		_, err := io.Copy(w, decompressor)
		return err
	})
}

func fetch(client *http.Client, u url.URL, path, sha256hex string, write func(io.Writer, io.Reader) error) error {
	if err := secure.MkdirAll(filepath.Dir(path), constant.DefaultDirMode); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"*")
	if err != nil {
		return err
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", u.String(), resp.StatusCode)
	}

	hash := sha256.New()
	if err := write(io.MultiWriter(tmpFile, hash), resp.Body); err != nil {
		return err
	}
	if sha256hex != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, sha256hex) {
			return fmt.Errorf("checksum mismatch for %s: got %s want %s", u.String(), got, sha256hex)
		}
	}

	if err := tmpFile.Chmod(constant.DefaultFileMode); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	return os.Rename(tmpFile.Name(), path)
}
