package client

import (
	"context"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"dvbcache/codec"
	"dvbcache/message"
	"dvbcache/protocol"
)

// Mode decides whether a handle may modify its file.
type Mode int8

const (
	ModeReadWrite Mode = 0
	ModeReadOnly  Mode = 1
)

// ParseMode maps an fopen-style mode string to a Mode: anything without a
// 'w' is read-only.
func ParseMode(s string) Mode {
	if strings.Contains(s, "w") {
		return ModeReadWrite
	}
	return ModeReadOnly
}

func (m Mode) String() string {
	if m == ModeReadOnly {
		return "r"
	}
	return "w"
}

// File is a handle on one path. It holds no connection and no server state;
// every method is one independent exchange.
type File struct {
	client *Client
	path   string
	mode   Mode
}

func (f *File) Path() string { return f.path }
func (f *File) Mode() Mode   { return f.mode }

func (f *File) readOnly() bool { return f.mode == ModeReadOnly }

func (f *File) denyReadOnly() error {
	if f.readOnly() {
		return message.NewLocalError(message.FailedReadOnly, ErrReadOnly)
	}
	return nil
}

// Read returns up to size bytes starting at offset. Fewer bytes than asked
// for means the end of the file was reached.
func (f *File) Read(ctx context.Context, size uint64, offset int64) ([]byte, error) {
	b := codec.NewBuilder(codec.SizeLenPrefix + len(f.path) + codec.SizeInt8 + 2*codec.SizeInt64)
	b.WriteString(f.path)
	b.WriteInt8(int8(f.mode))
	b.WriteInt64(offset)
	b.WriteUint64(size)

	status, msg, err := f.client.call(ctx, "read", f.path, protocol.ActionRead, b.Bytes())
	if err != nil {
		return nil, err
	}
	if status < 0 {
		return nil, message.NewApplicationError(status, string(msg))
	}
	return msg, nil
}

// Write stores data at offset and returns the byte count the node reports.
// Empty data returns 0 without contacting the node, whatever the mode. With async the node may
// acknowledge before the data reaches its backend.
func (f *File) Write(ctx context.Context, data []byte, offset int64, async bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := f.denyReadOnly(); err != nil {
		return 0, err
	}
	defer f.client.cache.invalidate(f.path)

	b := codec.NewBuilder(codec.SizeLenPrefix + len(f.path) + 2*codec.SizeInt8 + codec.SizeInt64 + codec.SizeLenPrefix + len(data))
	b.WriteString(f.path)
	b.WriteInt8(int8(f.mode))
	b.WriteInt64(offset)
	b.WriteBytes(data)
	b.WriteBool(async)

	status, msg, err := f.client.call(ctx, "write", f.path, protocol.ActionWrite, b.Bytes())
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, message.NewApplicationError(status, string(msg))
	}
	return int(status), nil
}

func (f *File) Flush(ctx context.Context) error {
	return f.client.Flush(ctx, f.path)
}

func (f *File) Truncate(ctx context.Context, size int64) error {
	if err := f.denyReadOnly(); err != nil {
		return err
	}
	return f.client.Truncate(ctx, f.path, size)
}

func (f *File) GetAttr(ctx context.Context) (*message.FileStat, error) {
	return f.client.GetAttr(ctx, f.path)
}

func (f *File) Close(ctx context.Context) error {
	return f.client.Close(ctx, f.path)
}

// ReadBlocks reads like Read but splits the range into fixed-size blocks that
// are fetched concurrently and reassembled. Blocks are fetched in rounds of at
// most Concurrency blocks; the first short block ends the read. Read-only
// handles keep complete blocks in the client cache. Writable handles and
// ranges smaller than one block fall back to a single Read.
func (f *File) ReadBlocks(ctx context.Context, size uint64, offset int64) ([]byte, error) {
	blockSize := int64(f.client.cfg.BlockCache.BlockSize)
	if !f.readOnly() || size < uint64(blockSize) || offset < 0 {
		return f.Read(ctx, size, offset)
	}
	if size > uint64(math.MaxInt64-offset) {
		return nil, message.NewLocalError(ErrBadRange.Error(), ErrBadRange)
	}

	end := offset + int64(size)
	last := (end - 1) / blockSize
	window := int64(f.client.cfg.BlockCache.Concurrency)

	var out []byte
	for first := offset / blockSize; first <= last; first += window {
		n := min(window, last-first+1)
		blocks, err := f.fetchBlocks(ctx, first, n, blockSize)
		if err != nil {
			return nil, err
		}
		for i, data := range blocks {
			start := (first + int64(i)) * blockSize
			lo := max(offset-start, 0)
			hi := min(end-start, int64(len(data)))
			if lo < hi {
				out = append(out, data[lo:hi]...)
			}
			if int64(len(data)) < blockSize {
				return out, nil // end of file
			}
		}
	}
	return out, nil
}

// fetchBlocks returns blocks first..first+n-1, from the cache where possible.
func (f *File) fetchBlocks(ctx context.Context, first, n, blockSize int64) ([][]byte, error) {
	blocks := make([][]byte, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range blocks {
		i := i
		id := first + int64(i)
		if data, ok := f.client.cache.get(f.path, id); ok {
			blocks[i] = data
			continue
		}
		g.Go(func() error {
			data, err := f.Read(gctx, uint64(blockSize), id*blockSize)
			if err != nil {
				return err
			}
			if int64(len(data)) == blockSize {
				f.client.cache.add(f.path, id, data)
			}
			blocks[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}
