package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"dvbcache/codec"
	"dvbcache/message"
	"dvbcache/middleware"
	"dvbcache/protocol"
)

const (
	// MaxRequestSize is the largest read or write a node accepts in one request.
	MaxRequestSize = 8 << 20
	// MaxFileSize bounds every file held in memory.
	MaxFileSize int64 = 1 << 30
)

var schemes = []string{"mem://", "file://", "rados://"}

// ValidPath reports whether path names a backend this node serves.
func ValidPath(path string) bool {
	for _, scheme := range schemes {
		if strings.HasPrefix(path, scheme) && len(path) > len(scheme) {
			return true
		}
	}
	return false
}

type file struct {
	data  []byte
	mtime time.Time
}

// Store is the in-memory file table of a node. Paths are opaque keys; the
// only structure imposed is that RmDir refuses directories that still have
// entries below them.
type Store struct {
	mu    sync.RWMutex
	files map[string]*file
	dirs  map[string]time.Time
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		files: make(map[string]*file),
		dirs:  make(map[string]time.Time),
		now:   time.Now,
	}
}

// errno converts a syscall error into the negative status the wire carries
// together with its strerror text.
func errno(e syscall.Errno) (int32, []byte) {
	return -int32(e), []byte(e.Error())
}

func (st *Store) Read(path string, offset int64, size uint64) (int32, []byte) {
	if offset < 0 || size > MaxRequestSize {
		return errno(syscall.EINVAL)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	f, ok := st.files[path]
	if !ok {
		return errno(syscall.ENOENT)
	}
	if offset >= int64(len(f.data)) {
		return 0, nil
	}
	end := offset + int64(size)
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	data := make([]byte, end-offset)
	copy(data, f.data[offset:end])
	return int32(len(data)), data
}

func (st *Store) Write(path string, offset int64, data []byte) (int32, []byte) {
	if offset < 0 || len(data) > MaxRequestSize {
		return errno(syscall.EINVAL)
	}
	if offset > MaxFileSize-int64(len(data)) {
		return errno(syscall.EFBIG)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.dirs[path]; ok {
		return errno(syscall.EISDIR)
	}
	f, ok := st.files[path]
	if !ok {
		f = &file{}
		st.files[path] = f
	}
	end := offset + int64(len(data))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[offset:], data)
	f.mtime = st.now()
	return int32(len(data)), nil
}

func (st *Store) Truncate(path string, size int64) (int32, []byte) {
	if size < 0 {
		return errno(syscall.EINVAL)
	}
	if size > MaxFileSize {
		return errno(syscall.EFBIG)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	f, ok := st.files[path]
	if !ok {
		return errno(syscall.ENOENT)
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.mtime = st.now()
	return message.StatusSuccess, nil
}

func (st *Store) Unlink(path string) (int32, []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.files[path]; !ok {
		return errno(syscall.ENOENT)
	}
	delete(st.files, path)
	return message.StatusSuccess, nil
}

func (st *Store) MkDir(path string) (int32, []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.dirs[path]; ok {
		return errno(syscall.EEXIST)
	}
	if _, ok := st.files[path]; ok {
		return errno(syscall.EEXIST)
	}
	st.dirs[path] = st.now()
	return message.StatusSuccess, nil
}

func (st *Store) RmDir(path string) (int32, []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.dirs[path]; !ok {
		return errno(syscall.ENOENT)
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range st.files {
		if strings.HasPrefix(p, prefix) {
			return errno(syscall.ENOTEMPTY)
		}
	}
	for p := range st.dirs {
		if strings.HasPrefix(p, prefix) {
			return errno(syscall.ENOTEMPTY)
		}
	}
	delete(st.dirs, path)
	return message.StatusSuccess, nil
}

// GetAttr answers with the raw 16-byte attribute record: mtime then size.
func (st *Store) GetAttr(path string) (int32, []byte) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var stat message.FileStat
	if f, ok := st.files[path]; ok {
		stat = message.FileStat{ModTime: uint64(f.mtime.Unix()), Size: uint64(len(f.data))}
	} else if mtime, ok := st.dirs[path]; ok {
		stat = message.FileStat{ModTime: uint64(mtime.Unix())}
	} else {
		return errno(syscall.ENOENT)
	}

	b := codec.NewBuilder(2 * codec.SizeInt64)
	b.WriteUint64(stat.ModTime)
	b.WriteUint64(stat.Size)
	return message.StatusSuccess, b.Bytes()
}

// Clear drops every file and directory.
func (st *Store) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.files = make(map[string]*file)
	st.dirs = make(map[string]time.Time)
}

// Paths lists the stored file paths in order.
func (st *Store) Paths() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	paths := make([]string, 0, len(st.files))
	for p := range st.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// reply builds a response payload: int32 status then the prefixed message.
func reply(action protocol.Action, status int32, msg []byte) *message.Response {
	b := codec.NewBuilder(codec.SizeInt32 + codec.SizeLenPrefix + len(msg))
	b.WriteInt32(status)
	b.WriteBytes(msg)
	return &message.Response{Action: action, Payload: b.Bytes()}
}

// pathHandler decodes the leading path, rejects unknown schemes and hands the
// rest of the payload to fn.
func pathHandler(action protocol.Action, fn func(path string, r *codec.Reader) (int32, []byte)) middleware.HandlerFunc {
	respAction, _ := protocol.ResponseOf(action)
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		r := codec.NewReader(req.Payload)
		path := r.ReadString("")
		if !ValidPath(path) {
			status, msg := errno(syscall.EINVAL)
			return reply(respAction, status, msg), nil
		}
		status, msg := fn(path, r)
		return reply(respAction, status, msg), nil
	}
}

func (s *Server) defaultHandlers() map[protocol.Action]middleware.HandlerFunc {
	st := s.store
	ok := func(string, *codec.Reader) (int32, []byte) { return message.StatusSuccess, nil }

	return map[protocol.Action]middleware.HandlerFunc{
		protocol.ActionRead: pathHandler(protocol.ActionRead, func(path string, r *codec.Reader) (int32, []byte) {
			r.ReadInt8(0) // read-only hint
			offset := r.ReadInt64(0)
			size := r.ReadUint64(0)
			return st.Read(path, offset, size)
		}),
		protocol.ActionWrite: pathHandler(protocol.ActionWrite, func(path string, r *codec.Reader) (int32, []byte) {
			r.ReadInt8(0)
			offset := r.ReadInt64(0)
			data := r.ReadBytes(nil)
			r.ReadInt8(0) // async: every write lands in memory synchronously
			return st.Write(path, offset, data)
		}),
		protocol.ActionTruncate: pathHandler(protocol.ActionTruncate, func(path string, r *codec.Reader) (int32, []byte) {
			return st.Truncate(path, r.ReadInt64(-1))
		}),
		protocol.ActionUnlink: pathHandler(protocol.ActionUnlink, func(path string, _ *codec.Reader) (int32, []byte) {
			return st.Unlink(path)
		}),
		protocol.ActionMkDir: pathHandler(protocol.ActionMkDir, func(path string, _ *codec.Reader) (int32, []byte) {
			return st.MkDir(path)
		}),
		protocol.ActionRmDir: pathHandler(protocol.ActionRmDir, func(path string, _ *codec.Reader) (int32, []byte) {
			return st.RmDir(path)
		}),
		protocol.ActionGetAttr: pathHandler(protocol.ActionGetAttr, func(path string, _ *codec.Reader) (int32, []byte) {
			return st.GetAttr(path)
		}),
		protocol.ActionFlush: pathHandler(protocol.ActionFlush, ok),
		protocol.ActionClose: pathHandler(protocol.ActionClose, ok),
		protocol.ActionAdmin: func(ctx context.Context, req *message.Request) (*message.Response, error) {
			r := codec.NewReader(req.Payload)
			cmd := protocol.AdminCommand(r.ReadInt8(0))
			switch cmd {
			case protocol.AdminClearFiles:
				st.Clear()
				return reply(protocol.ActionAdminResp, message.StatusSuccess, nil), nil
			}
			status, msg := errno(syscall.EINVAL)
			return reply(protocol.ActionAdminResp, status, msg), nil
		},
	}
}
