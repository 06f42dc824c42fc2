package main

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const sliceInfoName = "Metadata/slice_info.config"

var plateGcodeRx = regexp.MustCompile(`^Metadata/plate_\d+\.gcode$`)

type ThreeMFCmd struct {
	Src string `arg:"" name:"src" help:"Source .gcode.3mf file" type:"existingfile"`
	Dst string `arg:"" name:"dst" help:"Destination .gcode.3mf file (default: overwrite src)" type:"path" optional:""`
}

func (cmd *ThreeMFCmd) Run(globals *Globals, log *zap.SugaredLogger) error {
	dst := cmd.Dst
	if dst == "" {
		dst = cmd.Src
	}

	if err := rewriteArchive(afero.NewOsFs(), cmd.Src, dst, globals.TempDir, log); err != nil {
		return err
	}

	Printf("Success: '%s' processed.\n", dst)
	return nil
}

// rewriteArchive rewrites the G-code of every plate in the 3mf archive src and
// writes the result to dst. Entries other than plate G-code and its md5 are copied as is.
func rewriteArchive(fs afero.Fs, src, dst, tempDir string, log *zap.SugaredLogger) error {
	srcFile, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open 3mf file: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat 3mf file: %w", err)
	}
	srcZipArchive, err := zip.NewReader(srcFile, info.Size())
	if err != nil {
		return fmt.Errorf("failed to open 3mf file: %w", err)
	}

	entries := map[string][]byte{}
	for _, f := range srcZipArchive.File {
		if content, err := readZipEntry(f); err != nil {
			return fmt.Errorf("failed to read file %s %s: %w", src, f.Name, err)
		} else {
			entries[f.Name] = content
		}
	}

	plates, err := findPlates(entries, log)
	if err != nil {
		return fmt.Errorf("failed to find plates in %s: %w", src, err)
	}
	if len(plates) == 0 {
		log.Warnw("no plate gcode found", "file", src)
	}

	rewritten := map[string]bool{}

	for _, name := range plates {
		if rewritten[name] {
			continue
		}
		rewritten[name] = true

		content, ok := entries[name]
		if !ok {
			log.Warnw("plate gcode listed but missing", "file", src, "entry", name)
			continue
		}

		config, err := ScanConfig(bytes.NewReader(content))
		if err != nil {
			return fmt.Errorf("failed to read file %s %s: %w", src, name, err)
		}
		log.Debugw("slicer config", "entry", name, "wipe_tower", config.WipeTower, "total_toolchanges", config.TotalToolchanges)

		out := bytes.Buffer{}
		stats, err := Rewrite(bytes.NewReader(content), &out, config)
		if err != nil {
			return fmt.Errorf("failed to rewrite file %s %s: %w", src, name, err)
		}
		logStats(log, name, stats)
		entries[name] = out.Bytes()

		if digest, ok := entries[name+".md5"]; ok {
			entries[name+".md5"] = gcodeChecksum(out.Bytes(), digest)
		}
	}

	tx, err := BeginFileTransaction(fs, dst, tempDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			log.Warnw("failed to clean up temp file", "file", tx.TempPath(), "error", err)
		}
	}()

	dstZipArchive := zip.NewWriter(tx)
	for _, f := range srcZipArchive.File {
		header := &zip.FileHeader{
			Name:     f.Name,
			Comment:  f.Comment,
			Method:   f.Method,
			Modified: f.Modified,
		}
		if w, err := dstZipArchive.CreateHeader(header); err != nil {
			return fmt.Errorf("failed to add file %s %s: %w", dst, f.Name, err)
		} else if _, err := w.Write(entries[f.Name]); err != nil {
			return fmt.Errorf("failed to write file %s %s: %w", dst, f.Name, err)
		}
	}
	if err := dstZipArchive.Close(); err != nil {
		return fmt.Errorf("failed to finish 3mf file %s: %w", dst, err)
	}

	_ = srcFile.Close()

	return tx.Commit()
}

func readZipEntry(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// findPlates returns the gcode entry names of all plates. Bambu and Orca list
// the sliced plates in slice_info.config, older archives are matched by name.
func findPlates(entries map[string][]byte, log *zap.SugaredLogger) ([]string, error) {
	sliceInfo, ok := entries[sliceInfoName]
	if !ok {
		var plates []string
		for name := range entries {
			if plateGcodeRx.MatchString(name) {
				plates = append(plates, name)
			}
		}
		slices.Sort(plates)
		return plates, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(sliceInfo); err != nil {
		return nil, err
	}

	var plates []string
	for _, plate := range doc.FindElements("./config/plate") {
		index := plate.FindElement("./metadata[@key='index']")
		if index == nil {
			continue
		}
		name := fmt.Sprintf("Metadata/plate_%s.gcode", index.SelectAttrValue("value", ""))
		log.Debugw("found plate", "entry", name, "filaments", len(plate.SelectElements("filament")))
		plates = append(plates, name)
	}
	return plates, nil
}

// gcodeChecksum returns the md5 of content in the letter case of the previous digest.
func gcodeChecksum(content, previous []byte) []byte {
	sum := md5.Sum(content)
	digest := hex.EncodeToString(sum[:])
	if strings.ToUpper(string(previous)) == string(previous) {
		digest = strings.ToUpper(digest)
	}
	return []byte(digest)
}
