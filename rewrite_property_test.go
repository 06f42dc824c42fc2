package main

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var plainLines = []string{
	"G1 X149.27 Y134.713 E.46499",
	"M204 P2500",
	";--------------------",
	";TYPE:Wipe tower",
	"",
}

// A generated piece is an index into plainLines, or pieceBlock for a toolchange block.
const pieceBlock = 5

func toolchangeBlock(n int) []string {
	return []string{
		"; CP TOOLCHANGE START",
		"; toolchange #" + strconv.Itoa(n),
		"M220 S100",
		"; CP TOOLCHANGE UNLOAD",
		"G4 S0",
		"G1 X103.329",
		"; CP TOOLCHANGE WIPE",
		"G92 E0",
		"; CP TOOLCHANGE END",
	}
}

// trailingBlock is shaped like the slicer's last wipe tower block, it has no WIPE marker.
func trailingBlock() []string {
	return []string{
		"; CP TOOLCHANGE START",
		"M220 S100",
		"; CP TOOLCHANGE UNLOAD",
		"G4 S0",
		"G92 E0",
		"; CP TOOLCHANGE END",
	}
}

func buildGcode(pieces []int, withTrailing bool) (string, int) {
	lines := []string{}
	blocks := 0
	for _, p := range pieces {
		if p == pieceBlock {
			blocks++
			lines = append(lines, toolchangeBlock(blocks)...)
		} else {
			lines = append(lines, plainLines[p])
		}
	}
	if withTrailing {
		lines = append(lines, trailingBlock()...)
	}
	if len(lines) == 0 {
		return "", blocks
	}
	return strings.Join(lines, "\n") + "\n", blocks
}

func plainOnly(pieces []int) string {
	lines := []string{}
	for _, p := range pieces {
		lines = append(lines, plainLines[p%len(plainLines)])
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func rewriteOrFail(input string, config SlicerConfig) (string, bool) {
	out := bytes.Buffer{}
	if _, err := Rewrite(strings.NewReader(input), &out, config); err != nil {
		return "", false
	}
	return out.String(), true
}

func containsMarker(s string) bool {
	return strings.Contains(s, "; CP TOOLCHANGE")
}

func TestRewriteProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	pieces := gen.SliceOf(gen.IntRange(0, pieceBlock))

	properties.Property("every toolchange block becomes one M600", prop.ForAll(
		func(p []int) bool {
			input, blocks := buildGcode(p, false)
			got, ok := rewriteOrFail(input, SlicerConfig{})
			return ok &&
				strings.Count(got, "M600\n") == blocks &&
				strings.Count(input, "; CP TOOLCHANGE START") == blocks &&
				!containsMarker(got)
		},
		pieces,
	))

	properties.Property("gcode without markers is unchanged", prop.ForAll(
		func(p []int) bool {
			input := plainOnly(p)
			got, ok := rewriteOrFail(input, SlicerConfig{})
			return ok && got == input
		},
		pieces,
	))

	properties.Property("rewriting toolchanges twice changes nothing more", prop.ForAll(
		func(p []int) bool {
			input, _ := buildGcode(p, false)
			once, ok1 := rewriteOrFail(input, SlicerConfig{})
			twice, ok2 := rewriteOrFail(once, SlicerConfig{})
			return ok1 && ok2 && once == twice
		},
		pieces,
	))

	properties.Property("wipe tower keeps counted blocks and drops the trailing one", prop.ForAll(
		func(p []int) bool {
			input, blocks := buildGcode(p, true)
			got, ok := rewriteOrFail(input, SlicerConfig{WipeTower: true, TotalToolchanges: uint32(blocks)})
			return ok &&
				strings.Count(got, "M600\n") == blocks &&
				strings.Count(got, "; CP TOOLCHANGE START\n") == blocks &&
				strings.Count(got, "; CP TOOLCHANGE END\n") == blocks &&
				!strings.Contains(got, "; CP TOOLCHANGE UNLOAD") &&
				!strings.Contains(got, "; CP TOOLCHANGE WIPE") &&
				!strings.Contains(got, "G4 S0") &&
				strings.Count(got, "M220 S100\n") == blocks &&
				strings.Count(got, "G92 E0\n") == blocks
		},
		pieces,
	))

	properties.TestingRun(t)
}
