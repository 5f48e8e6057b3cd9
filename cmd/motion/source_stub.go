//go:build !gocv

package main

func newLocalSource(int) (source, error) {
	return nil, errNoLocalCamera
}
