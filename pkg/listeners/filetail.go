package listeners

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OffsetStore persists per-file read offsets so tailing resumes after
// restart. Implemented by the settings service in the wiring.
type OffsetStore interface {
	GetOffset(path string) (offset int64, inode uint64, ok bool)
	SetOffset(path string, offset int64, inode uint64)
}

// FileTailer follows line-delimited files in a directory. Rotation is
// detected by inode change; new data triggers reads via fsnotify with a
// polling sweep as a safety net for filesystems without events.
type FileTailer struct {
	dir     string
	mgr     *Manager
	offsets OffsetStore

	mu    sync.Mutex
	files map[string]*tailedFile
}

type tailedFile struct {
	path   string
	f      *os.File
	reader *bufio.Reader
	offset int64
	inode  uint64
}

// NewFileTailer creates the tailer. offsets may be nil (start from the
// beginning, no persistence).
func NewFileTailer(dir string, mgr *Manager, offsets OffsetStore) *FileTailer {
	return &FileTailer{
		dir:     dir,
		mgr:     mgr,
		offsets: offsets,
		files:   make(map[string]*tailedFile),
	}
}

func (l *FileTailer) Name() string { return "file-tail" }

// SetOffsetStore wires offset persistence after construction.
func (l *FileTailer) SetOffsetStore(s OffsetStore) { l.offsets = s }

// Run watches the directory until ctx is cancelled.
func (l *FileTailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	l.scanDir()

	// Polling sweep: catches writes on filesystems that swallow events and
	// files created while the watcher was briefly behind.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.closeAll()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && l.eligible(ev.Name) {
				l.readNew(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "error", err)
		case <-ticker.C:
			l.scanDir()
		}
	}
}

func (l *FileTailer) eligible(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".log", ".jsonl", ".txt", ".json":
		return true
	}
	return false
}

func (l *FileTailer) scanDir() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		slog.Warn("File tail scan failed", "dir", l.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		if l.eligible(path) {
			l.readNew(path)
		}
	}
}

// readNew opens (or reopens after rotation) the file and emits complete new
// lines from the stored offset.
func (l *FileTailer) readNew(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tf := l.files[path]
	inode, size, err := statInode(path)
	if err != nil {
		if tf != nil {
			_ = tf.f.Close()
			delete(l.files, path)
		}
		return
	}

	if tf == nil {
		tf = l.open(path, inode)
		if tf == nil {
			return
		}
		l.files[path] = tf
	} else if tf.inode != inode || size < tf.offset {
		// Rotated or truncated: reopen from the start.
		_ = tf.f.Close()
		delete(l.files, path)
		tf = l.reopen(path, inode)
		if tf == nil {
			return
		}
		l.files[path] = tf
	}

	for {
		line, err := tf.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				// Partial line: rewind so the remainder is read once the
				// writer finishes it.
				if _, serr := tf.f.Seek(tf.offset, io.SeekStart); serr == nil {
					tf.reader.Reset(tf.f)
				}
			}
			break
		}
		tf.offset += int64(len(line))
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			continue
		}
		f := frame("file", []byte(trimmed), "")
		f.SourceHint = filepath.Base(path)
		l.mgr.deliver(f)
	}

	if l.offsets != nil {
		l.offsets.SetOffset(path, tf.offset, tf.inode)
	}
}

// open starts tailing path: from the stored offset when the inode still
// matches, else from the beginning.
func (l *FileTailer) open(path string, inode uint64) *tailedFile {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	var offset int64
	if l.offsets != nil {
		if stored, storedInode, ok := l.offsets.GetOffset(path); ok && storedInode == inode {
			offset = stored
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		offset = 0
		_, _ = f.Seek(0, io.SeekStart)
	}
	return &tailedFile{path: path, f: f, reader: bufio.NewReader(f), offset: offset, inode: inode}
}

func (l *FileTailer) reopen(path string, inode uint64) *tailedFile {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	return &tailedFile{path: path, f: f, reader: bufio.NewReader(f), inode: inode}
}

func (l *FileTailer) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, tf := range l.files {
		if l.offsets != nil {
			l.offsets.SetOffset(path, tf.offset, tf.inode)
		}
		_ = tf.f.Close()
		delete(l.files, path)
	}
}

func statInode(path string) (inode uint64, size int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino, info.Size(), nil
	}
	return 0, info.Size(), nil
}
