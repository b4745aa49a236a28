// Metadata extraction and embedded-art caching, grounded on
// original_source/src/core/media/gstreamer/meta_data_extractor.h: the
// backend tag-name -> xesam/mpris mapping table, and the embedded-art
// temp-file cache keyed by size+CRC-16-CCITT that spec §4.5 only
// summarizes ("on encountering an image payload it writes a temporary
// file... Subsequent extractions with the same size+CRC reuse the
// existing file").
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/austinkregel/media-hubd/internal/tracklist"
)

// tagFieldMap maps backend tag names (as a GStreamer-class demuxer would
// report them) onto the xesam/mpris metadata vocabulary spec §3 names.
var tagFieldMap = map[string]string{
	"title":        "xesam:title",
	"album":        "xesam:album",
	"artist":       "xesam:artist",
	"album-artist": "xesam:albumArtist",
	"genre":        "xesam:genre",
	"track-number": "xesam:trackNumber",
	"duration":     "mpris:length",
	"bitrate":      "xesam:audioBitrate",
	"date":         "xesam:contentCreated",
}

// artEntry records the temp file currently backing one track's embedded
// art, so a re-extraction with unchanged bytes can be recognized without
// rewriting the file.
type artEntry struct {
	size uint64
	crc  uint16
	path string
}

// MetadataExtractor turns raw backend tags and an optional embedded-art
// payload into tracklist.Metadata, deduping art writes by size+CRC.
type MetadataExtractor struct {
	mu      sync.Mutex
	tempDir string
	art     map[string]artEntry // keyed by uri
}

// NewMetadataExtractor creates a per-process unique temp directory for
// embedded-art files, matching the original's
// "/tmp/media-hub_images-XXXXXX" naming (spec §4.5).
func NewMetadataExtractor() (*MetadataExtractor, error) {
	dir, err := os.MkdirTemp("", "media-hub_images-*")
	if err != nil {
		return nil, fmt.Errorf("create art temp dir: %w", err)
	}
	return &MetadataExtractor{tempDir: dir, art: make(map[string]artEntry)}, nil
}

// Extract builds Metadata for uri from raw tags and an optional embedded
// art payload (nil when the track carries none).
func (e *MetadataExtractor) Extract(uri string, tags map[string]string, art []byte) (tracklist.Metadata, error) {
	md := tracklist.Metadata{"mpris:trackid": uri}
	for raw, value := range tags {
		if key, ok := tagFieldMap[raw]; ok {
			md[key] = value
		}
	}

	if len(art) == 0 {
		return md, nil
	}

	path, err := e.cacheArt(uri, art)
	if err != nil {
		return nil, fmt.Errorf("cache embedded art: %w", err)
	}
	md["mpris:artUrl"] = "file://" + path
	md["tag:image"] = "true"
	md["tag:previewImage"] = "true"
	return md, nil
}

func (e *MetadataExtractor) cacheArt(uri string, art []byte) (string, error) {
	size := uint64(len(art))
	crc := crc16CCITT(art)

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.art[uri]; ok {
		if existing.size == size && existing.crc == crc {
			return existing.path, nil
		}
		os.Remove(existing.path)
	}

	path := filepath.Join(e.tempDir, "image-"+uuid.NewString())
	if err := os.WriteFile(path, art, 0600); err != nil {
		return "", err
	}
	e.art[uri] = artEntry{size: size, crc: crc, path: path}
	return path, nil
}

// ReleaseArt removes the cached art file for uri, if any (spec §4.5:
// "the file is removed on metadata teardown").
func (e *MetadataExtractor) ReleaseArt(uri string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.art[uri]; ok {
		os.Remove(entry.path)
		delete(e.art, uri)
	}
}

// Dir returns the extractor's temp directory, mainly so tests can assert it
// is gone after Close.
func (e *MetadataExtractor) Dir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tempDir
}

// Close tears down the whole temp directory.
func (e *MetadataExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return os.RemoveAll(e.tempDir)
}

// crc16CCITT computes the CRC-16-CCITT (polynomial 0x1021, initial value
// 0xFFFF) checksum spec §4.5 names for art dedupe.
func crc16CCITT(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
