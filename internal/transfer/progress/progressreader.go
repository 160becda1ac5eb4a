package progress

import "io"

// Reader wraps an io.Reader and reports cumulative bytes after every chunk.
// The callback is the sole write path for transfer progress.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)
	totalRead  int64
}

func NewReader(r io.Reader, total int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		if pr.OnProgress != nil {
			pr.OnProgress(pr.totalRead, pr.Total)
		}
	}

	return n, err
}

// Written returns the cumulative bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}
