package archive

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	datgateway "github.com/wolfeidau/dat-gateway"
)

// ContentFetcher retrieves the bytes addressed by hash, typically backed by
// a store.CAFS instance rooted at the owning archive's block directory.
type ContentFetcher func(ctx context.Context, hash datgateway.Hash) (io.ReadCloser, error)

type memFile struct {
	entry FileEntry
	hash  datgateway.Hash
}

// MemDrive is an in-memory Drive built from a flat file listing, resolving
// file content on demand through a ContentFetcher. It is the reference
// materialization used by the local swarm adapter and is small enough to
// rebuild wholesale whenever an archive's tree changes.
type MemDrive struct {
	fetch ContentFetcher

	mu    sync.RWMutex
	files map[string]memFile
}

// NewMemDrive builds a MemDrive from entries, each paired with the content
// hash used to fetch its bytes. Directory entries carry the zero Hash.
func NewMemDrive(fetch ContentFetcher, entries []FileEntry, hashes []datgateway.Hash) *MemDrive {
	files := make(map[string]memFile, len(entries))
	for i, e := range entries {
		clean := normalizePath(e.Path)
		var h datgateway.Hash
		if i < len(hashes) {
			h = hashes[i]
		}
		files[clean] = memFile{entry: e, hash: h}
	}
	return &MemDrive{fetch: fetch, files: files}
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "."
	}
	return p
}

func (d *MemDrive) Stat(_ context.Context, path string) (FileEntry, error) {
	clean := normalizePath(path)
	d.mu.RLock()
	defer d.mu.RUnlock()

	if f, ok := d.files[clean]; ok {
		return f.entry, nil
	}
	if clean == "." || d.hasChildLocked(clean) {
		return FileEntry{Path: clean, IsDir: true}, nil
	}
	return FileEntry{}, ErrNotExist
}

// hasChildLocked reports whether any stored file lives under dir/, implying
// dir exists as a directory even though it has no explicit entry of its own.
// Callers must hold d.mu.
func (d *MemDrive) hasChildLocked(dir string) bool {
	prefix := dir + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (d *MemDrive) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	d.mu.RLock()
	f, ok := d.files[normalizePath(path)]
	d.mu.RUnlock()

	if !ok || f.entry.IsDir {
		return nil, ErrNotExist
	}
	return d.fetch(ctx, f.hash)
}

func (d *MemDrive) ReadDir(_ context.Context, path string) ([]FileEntry, error) {
	clean := normalizePath(path)
	d.mu.RLock()
	defer d.mu.RUnlock()

	if clean != "." {
		f, ok := d.files[clean]
		switch {
		case ok && f.entry.IsDir:
		case !ok && d.hasChildLocked(clean):
		default:
			return nil, ErrNotExist
		}
	}

	prefix := clean + "/"
	if clean == "." {
		prefix = ""
	}

	seen := make(map[string]FileEntry)
	for p, f := range d.files {
		if p == clean {
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			// intermediate directory implied by a deeper file
			dirPath := prefix + rest[:idx]
			if _, ok := seen[dirPath]; !ok {
				seen[dirPath] = FileEntry{Path: dirPath, IsDir: true, ModTime: f.entry.ModTime}
			}
			continue
		}
		seen[p] = f.entry
	}

	out := make([]FileEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

var _ Drive = (*MemDrive)(nil)
