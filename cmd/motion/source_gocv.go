//go:build gocv

package main

import (
	"context"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

var errEmptyFrame = errors.New("local camera returned no frame")

type cvSource struct {
	vc    *gocv.VideoCapture
	frame gocv.Mat
	gray  gocv.Mat
}

func newLocalSource(device int) (source, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture device %d: %w", device, err)
	}
	return &cvSource{vc: vc, frame: gocv.NewMat(), gray: gocv.NewMat()}, nil
}

func (s *cvSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := s.vc.Read(&s.frame); !ok || s.frame.Empty() {
		return nil, errEmptyFrame
	}
	gocv.CvtColor(s.frame, &s.gray, gocv.ColorBGRToGray)
	img, err := s.gray.ToImage()
	if err != nil {
		return nil, fmt.Errorf("frame to image: %w", err)
	}
	return img, nil
}

func (s *cvSource) Close() error {
	s.frame.Close()
	s.gray.Close()
	return s.vc.Close()
}
