// Package motion computes frame-difference motion masks on grayscale frames.
package motion

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

const (
	// DiffThreshold is the per-pixel absolute difference above which a pixel
	// counts as changed.
	DiffThreshold = 50
	// NeighbourThreshold is the number of changed pixels in a 3x3
	// neighbourhood above which the centre pixel is set in the mask.
	NeighbourThreshold = 7
	// MaskOn is the value of a set mask pixel.
	MaskOn = 255
)

// ErrSizeMismatch is returned when two frames differ in size.
var ErrSizeMismatch = errors.New("motion: frame sizes differ")

// Gray converts img to an *image.Gray with its origin at (0, 0). A
// *image.Gray already at the origin is returned as is.
func Gray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Mask returns the motion mask between prev and curr: pixels whose absolute
// difference exceeds DiffThreshold are marked, the marks are summed over each
// zero-padded 3x3 neighbourhood, and sums above NeighbourThreshold become
// MaskOn. Everything else is 0.
func Mask(prev, curr *image.Gray) (*image.Gray, error) {
	pb, cb := prev.Bounds(), curr.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return nil, ErrSizeMismatch
	}
	w, h := cb.Dx(), cb.Dy()

	changed := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		pr := prev.Pix[(y)*prev.Stride:]
		cr := curr.Pix[(y)*curr.Stride:]
		for x := 0; x < w; x++ {
			a, b := int(pr[x]), int(cr[x])
			d := a - b
			if d < 0 {
				d = -d
			}
			if d > DiffThreshold {
				changed[y*w+x] = 1
			}
		}
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					sum += int(changed[yy*w+xx])
				}
			}
			if sum > NeighbourThreshold {
				out.Pix[y*out.Stride+x] = MaskOn
			}
		}
	}
	return out, nil
}

// Ratio is the fraction of mask pixels that are set.
func Ratio(mask *image.Gray) float64 {
	b := mask.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	set := 0
	for y := 0; y < b.Dy(); y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+b.Dx()]
		for _, v := range row {
			if v != 0 {
				set++
			}
		}
	}
	return float64(set) / float64(total)
}

// Detector compares each frame with the one before it.
type Detector struct {
	prev *image.Gray
}

// Observe records frame and returns the mask against the previous frame.
// The first frame, and a frame whose size differs from its predecessor,
// yield ok == false.
func (d *Detector) Observe(frame image.Image) (mask *image.Gray, ok bool) {
	curr := Gray(frame)
	prev := d.prev
	d.prev = curr
	if prev == nil {
		return nil, false
	}
	m, err := Mask(prev, curr)
	if err != nil {
		return nil, false
	}
	return m, true
}
