package bitmap

import "encoding/binary"

// RGB565ToGray maps one RGB565 sample to an 8-bit luma value.
// Each channel is rescaled to 0..255 and weighted 77/150/29 (out of 256);
// every division truncates.
func RGB565ToGray(pixel uint16) uint8 {
	r := uint32(pixel>>11) & 0x1F
	g := uint32(pixel>>5) & 0x3F
	b := uint32(pixel) & 0x1F

	y := 77*r*255/31 +
		150*g*255/63 +
		29*b*255/31

	return uint8(y >> 8)
}

// ConvertRGB565 converts big-endian RGB565 samples from src into grayscale
// bytes in dst. It converts min(len(dst), len(src)/2) pixels and returns that
// count. A trailing odd byte in src is ignored.
func ConvertRGB565(dst, src []byte) int {
	n := len(src) / 2
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = RGB565ToGray(binary.BigEndian.Uint16(src[2*i:]))
	}
	return n
}
