//go:build !unix && !windows

package main

func isCrossDevice(err error) bool {
	return false
}
