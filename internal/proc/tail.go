package proc

import (
	"bytes"
	"sync"
)

// Tail is a concurrency safe buffer handing out written bytes strictly in
// order. Next returns every byte exactly once, nothing is skipped and
// nothing is delivered twice across the lifetime of the buffer.
type Tail struct {
	mx  sync.Mutex
	buf bytes.Buffer
	off int
}

func (t *Tail) Write(b []byte) (int, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.buf.Write(b)
}

// Next returns the bytes written since the previous Next call.
func (t *Tail) Next() []byte {
	t.mx.Lock()
	defer t.mx.Unlock()
	b := t.buf.Bytes()[t.off:]
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	t.off += len(b)
	return out
}

// Len returns the total number of bytes written so far.
func (t *Tail) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.buf.Len()
}
