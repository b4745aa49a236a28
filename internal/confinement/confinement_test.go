package confinement_test

import (
	"context"
	"testing"

	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContextUnconfined(t *testing.T) {
	ctx, err := confinement.ParseContext("unconfined")
	require.NoError(t, err)
	assert.True(t, ctx.Unconfined)
}

func TestParseContextConfined(t *testing.T) {
	ctx, err := confinement.ParseContext("com.example.music_player_1.0")
	require.NoError(t, err)
	assert.False(t, ctx.Unconfined)
	assert.Equal(t, "com.example.music", ctx.Package)
	assert.Equal(t, "player", ctx.App)
	assert.Equal(t, "1.0", ctx.Version)
	assert.Equal(t, "com.example.music_player", ctx.ShortID)
}

func TestParseContextMalformed(t *testing.T) {
	_, err := confinement.ParseContext("not-underscore-separated")
	require.Error(t, err)
}

type fakeLabelSource struct {
	label string
	err   error
}

func (f *fakeLabelSource) LabelFor(ctx context.Context, peer string) (string, error) {
	return f.label, f.err
}

func TestResolverResolvesLabel(t *testing.T) {
	r := confinement.NewResolver(&fakeLabelSource{label: "com.example.music_player_1.0"})
	c, err := r.Resolve(context.Background(), ":1.42")
	require.NoError(t, err)
	assert.Equal(t, "com.example.music_player", c.ShortID)
}

func TestAuthorizerUnconfinedAllowsAnything(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", nil)
	ok, _ := a.Authorize(confinement.Context{Unconfined: true}, "file:///etc/shadow")
	assert.True(t, ok)
}

func TestAuthorizerConfinedAllowsHTTP(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", nil)
	ctx, _ := confinement.ParseContext("com.example.music_player_1.0")
	ok, reason := a.Authorize(ctx, "https://example.com/track.mp3")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestAuthorizerConfinedAllowsOwnDataDir(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", []string{"/usr/share/sounds"})
	ctx, _ := confinement.ParseContext("com.example.music_player_1.0")
	ok, _ := a.Authorize(ctx, "file:///home/u/.local/share/com.example.music/track.mp3")
	assert.True(t, ok)
}

func TestAuthorizerConfinedAllowsSharedDir(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", []string{"/usr/share/sounds"})
	ctx, _ := confinement.ParseContext("com.example.music_player_1.0")
	ok, _ := a.Authorize(ctx, "file:///usr/share/sounds/alert.ogg")
	assert.True(t, ok)
}

func TestAuthorizerConfinedDeniesOutsideDirs(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", []string{"/usr/share/sounds"})
	ctx, _ := confinement.ParseContext("com.example.music_player_1.0")
	ok, reason := a.Authorize(ctx, "file:///etc/shadow")
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestAuthorizerConfinedDeniesUnsupportedScheme(t *testing.T) {
	a := confinement.NewAuthorizer("/home/u/.local/share/%s", nil)
	ctx, _ := confinement.ParseContext("com.example.music_player_1.0")
	ok, reason := a.Authorize(ctx, "rtsp://camera.local/stream")
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}
