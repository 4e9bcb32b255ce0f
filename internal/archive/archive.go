// Package archive inspects the rolling segmented archive the encoder writes
// to disk. The encoder owns rotation (bounded window, oldest segments
// deleted); this package only reads the manifest to report the window state
// for metrics.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestName is the playlist file the encoder maintains in the archive
// directory.
const ManifestName = "index.m3u8"

// Stats describes the rolling window listed in the manifest.
type Stats struct {
	Segments       int
	TargetDuration int
	MediaSequence  int64
	Ended          bool
}

// ReadStats parses the manifest in dir. A missing manifest is not an error
// condition worth surfacing at scrape time, so callers typically treat an
// error as an empty window.
func ReadStats(dir string) (Stats, error) {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return Stats{}, fmt.Errorf("archive: open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest reads an HLS live playlist and extracts the window stats.
// Unknown tags are ignored; segment URIs are any non-tag, non-blank lines.
func ParseManifest(r io.Reader) (Stats, error) {
	var st Stats
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:")); err == nil {
				st.TargetDuration = n
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				st.MediaSequence = n
			}
		case line == "#EXT-X-ENDLIST":
			st.Ended = true
		case strings.HasPrefix(line, "#"):
			continue
		default:
			st.Segments++
		}
	}
	if err := sc.Err(); err != nil {
		return Stats{}, fmt.Errorf("archive: read manifest: %w", err)
	}
	return st, nil
}

// WindowSize returns the number of segments currently listed in dir's
// manifest, or 0 when the manifest is absent or unreadable.
func WindowSize(dir string) int {
	st, err := ReadStats(dir)
	if err != nil {
		return 0
	}
	return st.Segments
}
