package httpapi

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func copyBody(w http.ResponseWriter, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}

// apiPrefixes are paths the SPA catch-all must never shadow.
var apiPrefixes = []string{"upload", "image/", "process/", "annotations/", "results/", "api"}

// mountFrontend serves a built single-page frontend from dist: static assets
// under /assets, index.html at the root, and a catch-all that returns
// index.html for client-side routes.
func mountFrontend(r chi.Router, dist string) {
	index := filepath.Join(dist, "index.html")
	if _, err := os.Stat(index); err != nil {
		return
	}

	if assets := filepath.Join(dist, "assets"); dirExists(assets) {
		fileServer := http.StripPrefix("/assets/", http.FileServer(http.Dir(assets)))
		r.Get("/assets/*", fileServer.ServeHTTP)
	}

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, index)
	}
	r.Get("/", serveIndex)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		path := strings.TrimPrefix(req.URL.Path, "/")
		for _, prefix := range apiPrefixes {
			if strings.HasPrefix(path, prefix) {
				http.NotFound(w, req)
				return
			}
		}
		if req.Method != http.MethodGet {
			http.NotFound(w, req)
			return
		}
		// Direct hits on real files (favicon, manifest) are served as-is.
		if candidate := filepath.Join(dist, filepath.Clean("/"+path)); fileExists(candidate) {
			http.ServeFile(w, req, candidate)
			return
		}
		serveIndex(w, req)
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
