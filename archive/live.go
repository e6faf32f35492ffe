package archive

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	datgateway "github.com/wolfeidau/dat-gateway"
)

// LiveArchive is the per-admitted-key handle the registry hands to front
// ends. It pairs a canonical key with a materialized Drive and a bound
// HTTP handler function, mirroring the resolved-drive-plus-handler shape
// the registry's admission path constructs.
type LiveArchive struct {
	Key   datgateway.ArchiveKey
	Drive Drive
}

// NewLiveArchive builds a LiveArchive over an already-materialized drive.
func NewLiveArchive(key datgateway.ArchiveKey, drive Drive) *LiveArchive {
	return &LiveArchive{Key: key, Drive: drive}
}

// HandleHTTP serves subpath from the archive's drive. subpath is the
// request path with the leading "/<address>" segment already stripped by
// the caller; it defaults to "/" when empty.
func (a *LiveArchive) HandleHTTP(w http.ResponseWriter, r *http.Request, subpath string) {
	if subpath == "" {
		subpath = "/"
	}
	clean := path.Clean("/" + subpath)

	entry, err := a.Drive.Stat(r.Context(), clean)
	if errors.Is(err, ErrNotExist) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if entry.IsDir {
		clean = path.Join(clean, "index.html")
		entry, err = a.Drive.Stat(r.Context(), clean)
		if errors.Is(err, ErrNotExist) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Server error", http.StatusInternalServerError)
			return
		}
	}

	rc, err := a.Drive.ReadFile(r.Context(), clean)
	if errors.Is(err, ErrNotExist) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if ctype := mime.TypeByExtension(strings.ToLower(path.Ext(clean))); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}

	// A seekable drive read lets ServeContent handle Range and conditional
	// GET itself without buffering the file. Drives that can't seek (e.g.
	// a network fetch) fall back to a straight copy; they lose Range and
	// 304 support but never hold the whole file in memory either.
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, clean, entry.ModTime, rs)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
