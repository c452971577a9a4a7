package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitleStripsUploadNoise(t *testing.T) {
	cases := map[string]string{
		"Artist - Song (Official Music Video)": "artist - song",
		"Artist - Song (Official Audio)":       "artist - song",
		"Artist - Song [OFFICIAL VIDEO]":       "artist - song",
		"Artist - Song (Lyric Video)":          "artist - song",
		"Artist - Song (Lyrics)":               "artist - song",
		"Artist - Song (HD) (Remastered)":      "artist - song",
		"Artist - Song | Visuals by Someone":   "artist - song",
		"Artist - Topic":                       "artist",
		"Artist - Song (4K) (Visualizer)":      "artist - song",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeTitle(input), "input %q", input)
	}
}

func TestNormalizeTitleDedupesAcrossUploads(t *testing.T) {
	a := NormalizeTitle("Cool Artist - Great Song (Official Video)")
	b := NormalizeTitle("cool artist - great song [Official Audio]")
	c := NormalizeTitle("Cool  Artist -  Great Song | lyrics in description")
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestNormalizeTitleCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeTitle("  a   b\t c "))
}

func TestIsLikelySongDurationBounds(t *testing.T) {
	assert.False(t, IsLikelySong("Artist - Song", 89))
	assert.True(t, IsLikelySong("Artist - Song", 90))
	assert.True(t, IsLikelySong("Artist - Song", 480))
	assert.False(t, IsLikelySong("Artist - Song", 481))
	// Unknown duration is not held against the track.
	assert.True(t, IsLikelySong("Artist - Song", 0))
}

func TestIsLikelySongRejectsNonSongUploads(t *testing.T) {
	rejected := []string{
		"Artist INTERVIEW 2024",
		"The Weekly Podcast ep. 3",
		"First REACTION to Artist",
		"Album Review - Artist",
		"Artist - Full Album",
		"Late Night Livestream",
		"Making of the record",
		"Behind the Scenes with Artist",
		"Guitar tutorial: that riff",
		"Chill Mix 2024",
		"1 Hour of rain sounds",
		"Best of Artist Compilation",
		"nonstop hits megamix",
	}
	for _, title := range rejected {
		assert.False(t, IsLikelySong(title, 200), "title %q", title)
	}
	assert.True(t, IsLikelySong("Artist - Remixed", 200), "substring must not match without word boundary")
}

func TestBuildRadioQuery(t *testing.T) {
	assert.Equal(t, "synthwave", BuildRadioQuery("synthwave", 0))
	assert.Equal(t, "synthwave chill mellow laid back", BuildRadioQuery("synthwave", -1))
	assert.Equal(t, "synthwave slow ambient calm relaxing", BuildRadioQuery("synthwave", -2))
	assert.Equal(t, "synthwave upbeat energetic", BuildRadioQuery("synthwave", 1))
	assert.Equal(t, "synthwave hype intense bangers high energy", BuildRadioQuery("synthwave", 2))
	// Out-of-range energies clamp instead of missing the map.
	assert.Equal(t, BuildRadioQuery("synthwave", 2), BuildRadioQuery("synthwave", 9))
}

func TestFormatTrackDuration(t *testing.T) {
	assert.Equal(t, "0:00", FormatTrackDuration(0))
	assert.Equal(t, "3:05", FormatTrackDuration(185))
	assert.Equal(t, "59:59", FormatTrackDuration(3599))
	assert.Equal(t, "1:00:00", FormatTrackDuration(3600))
	assert.Equal(t, "2:03:04", FormatTrackDuration(7384))
}
