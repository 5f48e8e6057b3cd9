package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"

	"golang.org/x/image/bmp"
)

// errNoLocalCamera is returned by newLocalSource in builds without OpenCV.
var errNoLocalCamera = errors.New("local camera needs a build with -tags gocv")

// Frame sources selected by FRAME_SOURCE.
const (
	sourceHTTP  = "http"
	sourceLocal = "local"
)

// source yields one frame per call.
type source interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// httpSource fetches frames from the appliance.
type httpSource struct {
	client *http.Client
	url    string
}

func (s *httpSource) Frame(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch frame: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch frame: camera answered %s", resp.Status)
	}
	img, err := bmp.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (s *httpSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
