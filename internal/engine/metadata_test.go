package engine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/media-hubd/internal/engine"
)

func TestExtractMapsKnownTags(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	md, err := ex.Extract("file:///a.mp3", map[string]string{
		"title":  "Song",
		"artist": "Band",
		"bogus":  "ignored",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Song", md.Title())
	assert.Equal(t, "Band", md.Artist())
	_, hasBogus := md["bogus"]
	assert.False(t, hasBogus)
}

func TestExtractProducesExactTagSet(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	md, err := ex.Extract("file:///a.mp3", map[string]string{
		"title":  "Song",
		"artist": "Band",
		"album":  "Record",
	}, nil)
	require.NoError(t, err)

	want := map[string]string{
		"mpris:trackid": "file:///a.mp3",
		"xesam:title":   "Song",
		"xesam:artist":  "Band",
		"xesam:album":   "Record",
	}
	if diff := cmp.Diff(want, map[string]string(md)); diff != "" {
		t.Errorf("extracted tag set mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractSetsImageFlagsWhenArtPresent(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	withoutArt, err := ex.Extract("file:///a.mp3", nil, nil)
	require.NoError(t, err)
	assert.False(t, withoutArt.HasImage())
	assert.False(t, withoutArt.HasPreviewImage())

	withArt, err := ex.Extract("file:///b.mp3", nil, []byte("cover"))
	require.NoError(t, err)
	assert.True(t, withArt.HasImage())
	assert.True(t, withArt.HasPreviewImage())
}

func TestExtractCachesArtBySizeAndCRC(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	art := []byte("fake-jpeg-bytes")
	md1, err := ex.Extract("file:///a.mp3", nil, art)
	require.NoError(t, err)
	require.NotEmpty(t, md1.ArtURL())

	md2, err := ex.Extract("file:///a.mp3", nil, art)
	require.NoError(t, err)
	assert.Equal(t, md1.ArtURL(), md2.ArtURL(), "identical bytes must reuse the cached file")
}

func TestExtractReplacesArtOnChangedBytes(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	md1, err := ex.Extract("file:///a.mp3", nil, []byte("cover-v1"))
	require.NoError(t, err)
	oldPath := filepath.FromSlash(md1.ArtURL()[len("file://"):])

	md2, err := ex.Extract("file:///a.mp3", nil, []byte("a-completely-different-cover"))
	require.NoError(t, err)
	assert.NotEqual(t, md1.ArtURL(), md2.ArtURL())

	_, statErr := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(statErr), "old art file should have been removed")
}

func TestReleaseArtRemovesFile(t *testing.T) {
	ex, err := engine.NewMetadataExtractor()
	require.NoError(t, err)
	defer ex.Close()

	md, err := ex.Extract("file:///a.mp3", nil, []byte("art-bytes"))
	require.NoError(t, err)
	path := filepath.FromSlash(md.ArtURL()[len("file://"):])

	ex.ReleaseArt("file:///a.mp3")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
