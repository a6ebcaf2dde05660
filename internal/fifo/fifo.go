// Package fifo implements a fixed-capacity circular byte buffer used by
// pkg/session to stage inbound datagrams off the Link's callback
// goroutine, which per winlink.DatagramHandler's contract must never
// block.
//
// Adapted directly from the teacher's internal/fifo.Fifo. The teacher's
// Write and AltFinish take an optional *crc.CRC16 to checksum bytes as
// they cross the buffer, for SDO block-transfer integrity checking; that
// parameter is dropped here since spec.md's Non-goals explicitly leave
// corruption detection to the link, not this layer.
package fifo

// Fifo is a single-producer/single-consumer ring buffer over a fixed
// byte slice. It is not safe for concurrent use; callers serialize
// access with their own lock.
type Fifo struct {
	buffer     []byte
	writePos   int
	readPos    int
	altReadPos int
}

// New allocates a Fifo with room for size-1 usable bytes (one slot is
// always left empty to distinguish full from empty).
func New(size int) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

// Reset empties the buffer.
func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

// GetSpace returns how many more bytes can be written before the buffer
// is full.
func (f *Fifo) GetSpace() int {
	sizeLeft := f.readPos - f.writePos - 1
	if sizeLeft < 0 {
		sizeLeft += len(f.buffer)
	}
	return sizeLeft
}

// GetOccupied returns how many unread bytes are currently buffered.
func (f *Fifo) GetOccupied() int {
	sizeOccupied := f.writePos - f.readPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}

// Write copies as much of buffer as fits before the ring wraps into the
// reader's position, returning the number of bytes actually written.
func (f *Fifo) Write(buffer []byte) int {
	if buffer == nil {
		return 0
	}
	writeCounter := 0
	for _, element := range buffer {
		writePosNext := f.writePos + 1
		if writePosNext == f.readPos || (writePosNext == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = element
		writeCounter++
		if writePosNext == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos++
		}
	}
	return writeCounter
}

// Read copies up to len(buffer) unread bytes out, returning the count
// actually read.
func (f *Fifo) Read(buffer []byte) int {
	if buffer == nil || f.readPos == f.writePos {
		return 0
	}
	readCounter := 0
	for index := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.readPos]
		readCounter++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return readCounter
}

// AltBegin advances a secondary read cursor up to offset bytes ahead of
// the committed read position, without consuming anything, returning how
// far it actually advanced.
func (f *Fifo) AltBegin(offset int) int {
	var i int
	f.altReadPos = f.readPos
	for i = offset; i > 0; i-- {
		if f.altReadPos == f.writePos {
			break
		}
		f.altReadPos++
		if f.altReadPos == len(f.buffer) {
			f.altReadPos = 0
		}
	}
	return offset - i
}

// AltFinish commits the secondary cursor: everything between the old
// read position and altReadPos is now consumed.
func (f *Fifo) AltFinish() {
	f.readPos = f.altReadPos
}

// AltRead copies unread bytes starting at the secondary cursor, without
// committing them.
func (f *Fifo) AltRead(buffer []byte) int {
	readCounter := 0
	for index := range buffer {
		if f.altReadPos == f.writePos {
			break
		}
		buffer[index] = f.buffer[f.altReadPos]
		readCounter++
		f.altReadPos++
		if f.altReadPos == len(f.buffer) {
			f.altReadPos = 0
		}
	}
	return readCounter
}

// AltGetOccupied returns how many unread bytes remain from the
// secondary cursor to the write position.
func (f *Fifo) AltGetOccupied() int {
	sizeOccupied := f.writePos - f.altReadPos
	if sizeOccupied < 0 {
		sizeOccupied += len(f.buffer)
	}
	return sizeOccupied
}
