package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var staticMIMETypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "application/javascript",
	".css":  "text/css",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".ico":  "image/x-icon",
}

// staticServer serves the SPA bundle from a directory on disk. Unknown
// paths fall back to index.html so client-side routing works; the
// fallback body is cached and refreshed when the file changes on disk.
type staticServer struct {
	root    string
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	index []byte
}

func newStaticServer(root string) *staticServer {
	s := &staticServer{root: root}
	s.reloadIndex()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[HTTP] static watcher unavailable: %v", err)
		return s
	}
	if err := watcher.Add(root); err != nil {
		log.Printf("[HTTP] watch %s: %v", root, err)
		watcher.Close()
		return s
	}
	s.watcher = watcher
	go s.watchLoop()
	return s
}

func (s *staticServer) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == "index.html" {
				s.reloadIndex()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[HTTP] static watcher: %v", err)
		}
	}
}

func (s *staticServer) reloadIndex() {
	data, err := os.ReadFile(filepath.Join(s.root, "index.html"))
	if err != nil {
		data = nil
	}
	s.mu.Lock()
	s.index = data
	s.mu.Unlock()
}

func (s *staticServer) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// resolveStaticPath normalizes a URL path into a root-relative file path.
// ok is false when resolution escapes the root.
func resolveStaticPath(urlPath string) (string, bool) {
	if urlPath == "/" {
		urlPath = "/index.html"
	}
	rel := strings.TrimPrefix(urlPath, "/")
	clean := path.Clean(rel)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

func (s *staticServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel, ok := resolveStaticPath(r.URL.Path)
	if !ok {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		s.serveFile(w, r, full)
		return
	}

	// SPA fallback: every unknown path is the app shell.
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	if index == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", staticMIMETypes[".html"])
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(index)
}

func (s *staticServer) serveFile(w http.ResponseWriter, r *http.Request, full string) {
	f, err := os.Open(full)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(full))
	mime, ok := staticMIMETypes[ext]
	if !ok {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	if ext == ".html" {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}

	if _, err := io.Copy(w, f); err != nil {
		// Headers are already out; the truncated body is the signal.
		log.Printf("[HTTP] stream %s: %v", full, err)
	}
}
