// Package stream turns the sensor's raw RGB565 FIFO into grayscale bytes on
// demand, one caller-supplied window at a time.
package stream

import (
	"fmt"
	"io"

	"bmpcam/internal/bitmap"
)

// DefaultChunkPixels bounds how many pixels are pulled from the source per
// read.
const DefaultChunkPixels = 2048

// Streamer produces exactly total grayscale bytes from a sequential RGB565
// source. It reads two source bytes per produced byte and never reads ahead
// of what it has been asked to produce.
type Streamer struct {
	src      io.Reader
	total    int
	produced int
	raw      []byte
}

// New returns a Streamer that converts total pixels read from src.
// chunkPixels <= 0 uses DefaultChunkPixels.
func New(src io.Reader, total, chunkPixels int) *Streamer {
	if chunkPixels <= 0 {
		chunkPixels = DefaultChunkPixels
	}
	return &Streamer{src: src, total: total, raw: make([]byte, 2*chunkPixels)}
}

// Reset rebinds the streamer to a new source and clears its progress. The
// scratch buffer is kept.
func (s *Streamer) Reset(src io.Reader, total int) {
	s.src = src
	s.total = total
	s.produced = 0
}

// Fill writes as many grayscale bytes into window as fit, bounded by what is
// left of the frame, and returns the count. On a source error the bytes
// converted so far are still counted.
func (s *Streamer) Fill(window []byte) (int, error) {
	want := len(window)
	if left := s.total - s.produced; want > left {
		want = left
	}
	n := 0
	for n < want {
		px := want - n
		if limit := len(s.raw) / 2; px > limit {
			px = limit
		}
		raw := s.raw[:2*px]
		if _, err := io.ReadFull(s.src, raw); err != nil {
			return n, fmt.Errorf("stream: read source at byte %d: %w", 2*s.produced, err)
		}
		bitmap.ConvertRGB565(window[n:n+px], raw)
		n += px
		s.produced += px
	}
	return n, nil
}

// Produced reports how many grayscale bytes have been produced.
func (s *Streamer) Produced() int { return s.produced }

// Remaining reports how many grayscale bytes are left.
func (s *Streamer) Remaining() int { return s.total - s.produced }

// Done reports whether the whole frame has been produced.
func (s *Streamer) Done() bool { return s.produced >= s.total }
