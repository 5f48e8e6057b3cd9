// Package bitmap holds the fixed output image format: the RGB565 to grayscale
// pixel codec and the bitmap envelope prefixed to every served frame.
package bitmap

import "encoding/binary"

// Frame geometry. The sensor is configured for QVGA and nothing else.
const (
	Width  = 320
	Height = 240

	// GrayFrameSize is the grayscale payload size, one byte per pixel.
	GrayFrameSize = Width * Height
	// RawFrameSize is the RGB565 size of one frame in the sensor FIFO.
	RawFrameSize = 2 * GrayFrameSize
)

// Envelope layout.
const (
	fileHeaderSize = 14
	infoHeaderSize = 40
	paletteEntries = 256

	// HeaderSize is the full envelope length: file header, info header and
	// the 256-entry grayscale palette.
	HeaderSize = fileHeaderSize + infoHeaderSize + 4*paletteEntries

	// FileSize is the size of the complete bitmap file.
	FileSize = HeaderSize + GrayFrameSize

	pixelsPerMetre = 3780
)

var header = buildHeader()

// Header returns the bitmap envelope. The returned slice is shared and must
// not be modified.
func Header() []byte {
	return header[:]
}

func buildHeader() [HeaderSize]byte {
	var h [HeaderSize]byte
	le := binary.LittleEndian

	// File header.
	h[0], h[1] = 'B', 'M'
	le.PutUint32(h[2:], FileSize)
	le.PutUint32(h[10:], HeaderSize)

	// BITMAPINFOHEADER.
	info := h[fileHeaderSize:]
	le.PutUint32(info[0:], infoHeaderSize)
	le.PutUint32(info[4:], Width)
	le.PutUint32(info[8:], Height)
	le.PutUint16(info[12:], 1) // planes
	le.PutUint16(info[14:], 8) // bits per pixel
	le.PutUint32(info[16:], 0) // BI_RGB
	le.PutUint32(info[20:], GrayFrameSize)
	le.PutUint32(info[24:], pixelsPerMetre)
	le.PutUint32(info[28:], pixelsPerMetre)
	le.PutUint32(info[32:], 0) // colours used, 0 means 256
	le.PutUint32(info[36:], 0)

	palette := h[fileHeaderSize+infoHeaderSize:]
	for i := 0; i < paletteEntries; i++ {
		palette[4*i+0] = byte(i)
		palette[4*i+1] = byte(i)
		palette[4*i+2] = byte(i)
		palette[4*i+3] = 0xFF
	}
	return h
}
