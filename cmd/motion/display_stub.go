//go:build !gocv

package main

func newDisplay(string) (display, error) {
	return nil, errNoDisplay
}
