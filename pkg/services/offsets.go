package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FileOffsetStore persists file-tail read offsets in the settings table so
// tailing resumes where it left off after restart. Keys are namespaced under
// filetail.offset.<path>; values encode "<offset>:<inode>".
type FileOffsetStore struct {
	settings *SettingsService
}

// NewFileOffsetStore creates the adapter.
func NewFileOffsetStore(settings *SettingsService) *FileOffsetStore {
	return &FileOffsetStore{settings: settings}
}

func offsetKey(path string) string { return "filetail.offset." + path }

// GetOffset returns the stored position for path.
func (s *FileOffsetStore) GetOffset(path string) (int64, uint64, bool) {
	st, ok := s.settings.Get(offsetKey(path))
	if !ok {
		return 0, 0, false
	}
	parts := strings.SplitN(st.Value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	offset, err1 := strconv.ParseInt(parts[0], 10, 64)
	inode, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return offset, inode, true
}

// SetOffset stores the position for path. Best-effort; tailing correctness
// does not depend on the write landing.
func (s *FileOffsetStore) SetOffset(path string, offset int64, inode uint64) {
	value := fmt.Sprintf("%d:%d", offset, inode)
	_ = s.settings.Set(context.Background(), offsetKey(path), value, "string", "system")
}
