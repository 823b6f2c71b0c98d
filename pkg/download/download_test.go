package download

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, paths map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := paths[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return *u
}

func TestToFile(t *testing.T) {
	t.Parallel()
	content := []byte("artifact payload")
	srv := serve(t, map[string][]byte{"/pos.apk": content})

	path := filepath.Join(t.TempDir(), "staging", "pos.apk")
	sum := sha256.Sum256(content)
	err := ToFile(srv.Client(), mustURL(t, srv.URL+"/pos.apk"), path, hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestToFileChecksumMismatch(t *testing.T) {
	t.Parallel()
	srv := serve(t, map[string][]byte{"/pos.apk": []byte("artifact payload")})

	path := filepath.Join(t.TempDir(), "pos.apk")
	err := ToFile(srv.Client(), mustURL(t, srv.URL+"/pos.apk"), path, "deadbeef")
	require.ErrorContains(t, err, "checksum mismatch")

	// nothing left behind
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestToFileMissingResource(t *testing.T) {
	t.Parallel()
	srv := serve(t, map[string][]byte{})

	err := ToFile(srv.Client(), mustURL(t, srv.URL+"/gone"), filepath.Join(t.TempDir(), "gone"), "")
	require.ErrorContains(t, err, "status 404")
}

func TestDecompressedGzip(t *testing.T) {
	t.Parallel()
	content := []byte("config file body")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(content)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := serve(t, map[string][]byte{"/conf.gz": buf.Bytes()})

	path := filepath.Join(t.TempDir(), "conf")
	sum := sha256.Sum256(content)
	err = Decompressed(srv.Client(), mustURL(t, srv.URL+"/conf.gz"), path, hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestDecompressedUnknownExtension(t *testing.T) {
	t.Parallel()
	srv := serve(t, map[string][]byte{"/conf.zip": []byte("x")})

	err := Decompressed(srv.Client(), mustURL(t, srv.URL+"/conf.zip"), filepath.Join(t.TempDir(), "conf"), "")
	require.ErrorContains(t, err, "unknown extension")
}
