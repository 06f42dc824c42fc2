package main

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	totalToolchangesPrefix = "; total toolchanges = "
	wipeTowerPrefix        = "; wipe_tower = "
)

// SlicerConfig holds the slicer settings that decide how toolchange blocks are rewritten.
// PrusaSlicer appends them as comments at the end of the G-code file.
type SlicerConfig struct {
	WipeTower        bool
	TotalToolchanges uint32
}

// ScanConfig reads every line of r and collects the slicer settings.
// Unrecognised or malformed lines are ignored, only read errors are returned.
func ScanConfig(r io.Reader) (SlicerConfig, error) {
	config := SlicerConfig{}

	scanner := newLineReader(r)
	for scanner.Scan() {
		config.updateFromLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return SlicerConfig{}, fmt.Errorf("failed to scan slicer config: %w", err)
	}

	return config, nil
}

func (c *SlicerConfig) updateFromLine(line []byte) {
	if val, ok := bytes.CutPrefix(line, []byte(totalToolchangesPrefix)); ok {
		if n, err := parseCount(string(val)); err == nil {
			c.TotalToolchanges = n
			return
		}
	}

	if val, ok := bytes.CutPrefix(line, []byte(wipeTowerPrefix)); ok {
		switch string(val) {
		case "1":
			c.WipeTower = true
		case "0":
			c.WipeTower = false
		}
	}
}

// parseCount is strconv.ParseUint for 32 bits that also takes a single leading '+'.
func parseCount(s string) (uint32, error) {
	if len(s) > 1 && s[0] == '+' {
		s = s[1:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
