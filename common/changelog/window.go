package changelog

import (
	"io"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"
)

const defaultWindowSize = 1 << 20

// window is a cached read buffer over a file. Each reader owns its window, the
// writer never touches it.
type window struct {
	r     io.ReaderAt
	buf   []byte
	start int64
	n     int
}

func newWindow(r io.ReaderAt, size int) *window {
	return &window{r: r, buf: bytespool.Alloc(size)[:0]}
}

// peek returns up to n bytes at off, fewer only at the end of the file.
func (w *window) peek(off int64, n int) ([]byte, error) {
	if off >= w.start && off+int64(n) <= w.start+int64(w.n) {
		i := int(off - w.start)
		return w.buf[i : i+n], nil
	}
	if cap(w.buf) < n {
		bytespool.Free(w.buf)
		w.buf = bytespool.Alloc(n)
	}
	w.buf = w.buf[:cap(w.buf)]
	read, err := w.r.ReadAt(w.buf, off)
	if err != nil && err != io.EOF {
		w.n = 0
		return nil, err
	}
	w.start, w.n = off, read
	if read < n {
		return w.buf[:read], nil
	}
	return w.buf[:n], nil
}

// indexMagic returns the first offset >= off whose two bytes equal the record
// magic, or -1 when the file ends first.
func (w *window) indexMagic(off int64) (int64, error) {
	for {
		data, err := w.peek(off, cap(w.buf))
		if err != nil {
			return -1, err
		}
		if len(data) < 2 {
			return -1, nil
		}
		for i := 0; i+1 < len(data); i++ {
			if uint16(data[i])<<8|uint16(data[i+1]) == recordMagic {
				return off + int64(i), nil
			}
		}
		off += int64(len(data) - 1)
	}
}

func (w *window) invalidate() {
	w.n = 0
}

func (w *window) release() {
	bytespool.Free(w.buf[:cap(w.buf)])
	w.buf = nil
}
