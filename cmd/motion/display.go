package main

import (
	"errors"
	"image"
)

// errNoDisplay is returned by newDisplay in builds without OpenCV.
var errNoDisplay = errors.New("mask display needs a build with -tags gocv")

// display shows motion masks.
type display interface {
	Show(mask *image.Gray) error
	Close() error
}
