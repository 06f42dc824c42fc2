package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Sentinel comments emitted by PrusaSlicer around each toolchange.
// "UNLOAD ... WIPE" is nested inside of "START ... END".
var (
	markerUnload = []byte("; CP TOOLCHANGE UNLOAD")
	markerWipe   = []byte("; CP TOOLCHANGE WIPE")
	markerStart  = []byte("; CP TOOLCHANGE START")
	markerEnd    = []byte("; CP TOOLCHANGE END")
)

// filamentChange is the command that replaces a slicer toolchange sequence.
const filamentChange = "M600"

// RewriteStats counts what a rewrite did.
type RewriteStats struct {
	Lines           int // input lines read
	Toolchanges     int // START markers seen
	FilamentChanges int // M600 lines written
	DroppedBlocks   int // START...END blocks removed completely
	// Unterminated is set when the input ended inside a skipped region.
	Unterminated bool
}

// Rewrite copies the G-code from r to w, replacing toolchange blocks according to config.
// With a wipe tower only the unload part of each toolchange is replaced,
// otherwise the whole toolchange block is.
func Rewrite(r io.Reader, w io.Writer, config SlicerConfig) (RewriteStats, error) {
	if config.WipeTower {
		return replaceUnloads(r, w, config.TotalToolchanges)
	}
	return replaceToolchanges(r, w)
}

// replaceToolchanges replaces every "START ... END" block with a single M600.
func replaceToolchanges(r io.Reader, w io.Writer) (RewriteStats, error) {
	stats := RewriteStats{}
	out := bufio.NewWriter(w)
	skipBlock := false

	scanner := newLineReader(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		stats.Lines++

		if bytes.HasPrefix(line, markerStart) {
			stats.Toolchanges++
			skipBlock = true
			continue
		}
		if bytes.HasPrefix(line, markerEnd) {
			writeLine(out, []byte(filamentChange))
			stats.FilamentChanges++
			skipBlock = false
			continue
		}

		if !skipBlock {
			writeLine(out, line)
		}
	}

	stats.Unterminated = skipBlock
	return stats, finish(scanner, out)
}

// replaceUnloads replaces the "UNLOAD ... WIPE" part of the first totalToolchanges
// blocks with M600 and keeps the rest of those blocks. Any block after that is
// the slicer's final wipe tower block and is removed completely.
func replaceUnloads(r io.Reader, w io.Writer, totalToolchanges uint32) (RewriteStats, error) {
	stats := RewriteStats{}
	out := bufio.NewWriter(w)
	skipBlock := false
	toolchanges := uint32(0)

	scanner := newLineReader(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		stats.Lines++

		if bytes.HasPrefix(line, markerUnload) {
			skipBlock = true
			continue
		}
		if bytes.HasPrefix(line, markerWipe) {
			writeLine(out, []byte(filamentChange))
			stats.FilamentChanges++
			skipBlock = false
			continue
		}

		if bytes.HasPrefix(line, markerStart) {
			toolchanges++
			stats.Toolchanges++
			if toolchanges > totalToolchanges {
				stats.DroppedBlocks++
				skipBlock = true
				continue
			}
		} else if bytes.HasPrefix(line, markerEnd) {
			if toolchanges > totalToolchanges {
				skipBlock = false
				continue
			}
		}

		if !skipBlock {
			writeLine(out, line)
		}
	}

	stats.Unterminated = skipBlock
	return stats, finish(scanner, out)
}

// writeLine ignores errors, bufio.Writer keeps the first one and returns it from Flush.
func writeLine(out *bufio.Writer, line []byte) {
	_, _ = out.Write(line)
	_ = out.WriteByte('\n')
}

func finish(scanner *lineReader, out *bufio.Writer) error {
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read gcode: %w", err)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("failed to write gcode: %w", err)
	}
	return nil
}
