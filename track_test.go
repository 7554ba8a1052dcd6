package aqualink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidBase64(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"empty string rejected", "", false},
		{"plain alnum accepted", "QUFBQQ==", true},
		{"url-safe chars accepted", "QUFB_-Q", true},
		{"length mod 4 equal 1 rejected", "ABCDE", false},
		{"length mod 4 equal 0 accepted", "ABCD", true},
		{"length mod 4 equal 2 accepted", "AB", true},
		{"invalid character rejected", "AB CDE", false},
		{"invalid character rejected 2", "AB$CDE", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isValidBase64(tc.in))
		})
	}
}

func TestNewTrackEitherOrInvariant(t *testing.T) {
	_, err := NewTrack("", "")
	assert.ErrorIs(t, err, ErrInvalidTrackData)

	tr, err := NewTrack("encoded-blob", "")
	require.NoError(t, err)
	assert.True(t, tr.Valid())

	tr2, err := NewTrack("", "https://example.com/track.mp3")
	require.NoError(t, err)
	assert.True(t, tr2.Valid())
}

func TestTrackValidNilSafe(t *testing.T) {
	var tr *Track
	assert.False(t, tr.Valid())
}

func TestTrackCloneIsIndependentCopy(t *testing.T) {
	orig := &Track{
		Identifier: "id1",
		Encoded:    "enc",
		Title:      "title",
		Playlist:   &PlaylistInfo{Name: "pl", SelectedTrack: 2},
	}
	clone := orig.Clone()
	require.NotSame(t, orig, clone)
	require.NotSame(t, orig.Playlist, clone.Playlist)
	assert.Equal(t, orig.Title, clone.Title)

	clone.Playlist.Name = "changed"
	assert.Equal(t, "pl", orig.Playlist.Name)
}

func TestTrackDisposeClearsNodeReference(t *testing.T) {
	tr := &Track{Encoded: "enc", node: &Node{}}
	tr.dispose()
	assert.Nil(t, tr.node)
}

func TestTrackUpdatePositionNilSafe(t *testing.T) {
	var tr *Track
	assert.NotPanics(t, func() { tr.updatePosition(0) })
}
