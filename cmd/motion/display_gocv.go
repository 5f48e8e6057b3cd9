//go:build gocv

package main

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

type cvDisplay struct {
	window *gocv.Window
}

func newDisplay(title string) (display, error) {
	return &cvDisplay{window: gocv.NewWindow(title)}, nil
}

func (d *cvDisplay) Show(mask *image.Gray) error {
	b := mask.Bounds()
	pix := mask.Pix
	if mask.Stride != b.Dx() {
		pix = make([]byte, 0, b.Dx()*b.Dy())
		for y := 0; y < b.Dy(); y++ {
			pix = append(pix, mask.Pix[y*mask.Stride:y*mask.Stride+b.Dx()]...)
		}
	}
	mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return fmt.Errorf("mask to mat: %w", err)
	}
	defer mat.Close()
	d.window.IMShow(mat)
	d.window.WaitKey(1)
	return nil
}

func (d *cvDisplay) Close() error {
	return d.window.Close()
}
