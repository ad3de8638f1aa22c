// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

// dataChunk is a run of stream bytes at an absolute offset.
type dataChunk struct {
	offset uint64
	data   []byte
}

func (c *dataChunk) end() uint64 {
	return c.offset + uint64(len(c.data))
}

// incomingBuffer reassembles stream bytes in offset order. Chunks past
// the read cursor are held, sorted, until the gap before them fills.
type incomingBuffer struct {
	readOffset uint64
	maxOffset  uint64
	buffered   uint64
	chunks     []*dataChunk
}

// push inserts received bytes. Overlap with already delivered or
// already held ranges is trimmed; exact duplicates are dropped.
func (b *incomingBuffer) push(data []byte, offset uint64) {
	end := offset + uint64(len(data))
	if end > b.maxOffset {
		b.maxOffset = end
	}
	if end <= b.readOffset || len(data) == 0 {
		return
	}
	if offset < b.readOffset {
		data = data[b.readOffset-offset:]
		offset = b.readOffset
	}
	// Insert sorted, trimming against neighbors.
	i := 0
	for i < len(b.chunks) && b.chunks[i].offset < offset {
		i++
	}
	if i > 0 {
		if prevEnd := b.chunks[i-1].end(); prevEnd > offset {
			if prevEnd >= end {
				return
			}
			data = data[prevEnd-offset:]
			offset = prevEnd
		}
	}
	if i < len(b.chunks) {
		if nextOff := b.chunks[i].offset; nextOff < end {
			if nextOff <= offset {
				return
			}
			data = data[:nextOff-offset]
			end = nextOff
		}
	}
	c := &dataChunk{offset: offset, data: append([]byte(nil), data...)}
	b.chunks = append(b.chunks, nil)
	copy(b.chunks[i+1:], b.chunks[i:])
	b.chunks[i] = c
	b.buffered += uint64(len(c.data))
}

// read delivers contiguous bytes starting at the read cursor.
func (b *incomingBuffer) read(p []byte) int {
	n := 0
	for n < len(p) && len(b.chunks) > 0 {
		c := b.chunks[0]
		if c.offset > b.readOffset {
			break
		}
		m := copy(p[n:], c.data)
		n += m
		b.readOffset += uint64(m)
		b.buffered -= uint64(m)
		if m == len(c.data) {
			b.chunks = b.chunks[1:]
		} else {
			c.data = c.data[m:]
			c.offset += uint64(m)
		}
	}
	return n
}

// readable reports whether bytes are available at the read cursor.
func (b *incomingBuffer) readable() bool {
	return len(b.chunks) > 0 && b.chunks[0].offset <= b.readOffset
}

// outgoingBuffer queues bytes for transmission. Fresh writes append at
// the tail; rejected in-flight chunks are reinserted at their original
// offset so they go out again first.
type outgoingBuffer struct {
	pending   []*dataChunk
	endOffset uint64
	buffered  uint64
}

func (b *outgoingBuffer) write(p []byte) {
	if len(p) == 0 {
		return
	}
	c := &dataChunk{offset: b.endOffset, data: append([]byte(nil), p...)}
	b.pending = append(b.pending, c)
	b.endOffset += uint64(len(p))
	b.buffered += uint64(len(p))
}

// reinsert returns a rejected chunk to the queue, keeping offset order.
func (b *outgoingBuffer) reinsert(data []byte, offset uint64) {
	i := 0
	for i < len(b.pending) && b.pending[i].offset < offset {
		i++
	}
	c := &dataChunk{offset: offset, data: data}
	b.pending = append(b.pending, nil)
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = c
	b.buffered += uint64(len(data))
}

// pop takes up to maxBytes of queued data whose offsets lie below
// maxOffset. The second return is the chunk's offset, the third
// reports whether sendable data remains, and the fourth whether data
// remains that only the offset cap is holding back.
func (b *outgoingBuffer) pop(maxBytes int, maxOffset uint64) ([]byte, uint64, bool, bool) {
	if len(b.pending) == 0 || maxBytes <= 0 {
		return nil, 0, len(b.pending) > 0, false
	}
	c := b.pending[0]
	if c.offset >= maxOffset {
		return nil, 0, false, true
	}
	n := uint64(len(c.data))
	if lim := maxOffset - c.offset; n > lim {
		n = lim
	}
	if n > uint64(maxBytes) {
		n = uint64(maxBytes)
	}
	data := c.data[:n]
	offset := c.offset
	if n == uint64(len(c.data)) {
		b.pending = b.pending[1:]
	} else {
		c.data = c.data[n:]
		c.offset += n
	}
	b.buffered -= n
	more := len(b.pending) > 0
	blocked := more && b.pending[0].offset >= maxOffset
	return data, offset, more && !blocked, blocked
}
