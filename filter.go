package main

import (
	"fmt"
	"regexp"
	"strings"
)

// Bounds for what counts as a playable song. Anything shorter is
// usually an intro/teaser, anything longer is a mix or full set.
const (
	MinSongDuration = 90
	MaxSongDuration = 480
)

// titleNoisePatterns strip the decorations uploaders bolt onto video
// titles so that the same song from different uploads normalizes to
// the same key. Order matters: parenthesized forms go before the bare
// ones, and the channel suffix patterns run last.
var titleNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\(official\s*(music\s*)?video\)`),
	regexp.MustCompile(`(?i)\(official\s*audio\)`),
	regexp.MustCompile(`(?i)\(official\s*lyric\s*video\)`),
	regexp.MustCompile(`(?i)\(lyric\s*video\)`),
	regexp.MustCompile(`(?i)\(lyrics?\)`),
	regexp.MustCompile(`(?i)\(audio\)`),
	regexp.MustCompile(`(?i)\(visualizer\)`),
	regexp.MustCompile(`(?i)\(official\s*visualizer\)`),
	regexp.MustCompile(`(?i)\[official\s*(music\s*)?video\]`),
	regexp.MustCompile(`(?i)\[official\s*audio\]`),
	regexp.MustCompile(`(?i)\[lyrics?\]`),
	regexp.MustCompile(`(?i)\(hd\)`),
	regexp.MustCompile(`(?i)\(hq\)`),
	regexp.MustCompile(`(?i)\(4k\)`),
	regexp.MustCompile(`(?i)\(remaster(ed)?\)`),
	regexp.MustCompile(`(?i)\(live\)`),
	regexp.MustCompile(`(?i)\(acoustic\)`),
	regexp.MustCompile(`(?i)official\s*(music\s*)?video`),
	regexp.MustCompile(`(?i)\|.*$`),
	regexp.MustCompile(`(?i)-\s*topic$`),
}

// nonSongPatterns flag uploads that are almost never a single song:
// interviews, podcasts, hour-long mixes and the like.
var nonSongPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\binterview\b`),
	regexp.MustCompile(`(?i)\bpodcast\b`),
	regexp.MustCompile(`(?i)\breaction\b`),
	regexp.MustCompile(`(?i)\breview\b`),
	regexp.MustCompile(`(?i)\bfull album\b`),
	regexp.MustCompile(`(?i)\bcomplete album\b`),
	regexp.MustCompile(`(?i)\blive stream\b`),
	regexp.MustCompile(`(?i)\blivestream\b`),
	regexp.MustCompile(`(?i)\bmaking of\b`),
	regexp.MustCompile(`(?i)\bbehind the scenes\b`),
	regexp.MustCompile(`(?i)\bdocumentary\b`),
	regexp.MustCompile(`(?i)\btutorial\b`),
	regexp.MustCompile(`(?i)\blesson\b`),
	regexp.MustCompile(`(?i)\bhow to\b`),
	regexp.MustCompile(`(?i)\bcompilation\b`),
	regexp.MustCompile(`(?i)\bmix 20\d\d\b`),
	regexp.MustCompile(`(?i)\b1 hour\b`),
	regexp.MustCompile(`(?i)\b2 hour\b`),
	regexp.MustCompile(`(?i)\b3 hour\b`),
	regexp.MustCompile(`(?i)\bplaylist\b`),
	regexp.MustCompile(`(?i)\bnonstop\b`),
	regexp.MustCompile(`(?i)\bmegamix\b`),
}

var whitespaceCollapse = regexp.MustCompile(`\s+`)

// energyModifiers are appended to a station description when
// searching, to bias results toward the dialed energy level.
var energyModifiers = map[int]string{
	-2: "slow ambient calm relaxing",
	-1: "chill mellow laid back",
	0:  "",
	1:  "upbeat energetic",
	2:  "hype intense bangers high energy",
}

// NormalizeTitle lowercases a track title and strips uploader noise so
// the same song dedupes across uploads.
func NormalizeTitle(title string) string {
	normalized := strings.ToLower(title)
	for _, pattern := range titleNoisePatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	normalized = whitespaceCollapse.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// IsLikelySong reports whether a search result looks like an actual
// song rather than an interview, mix or other long-form upload. A zero
// duration means the duration is unknown and only the title is judged.
func IsLikelySong(title string, duration int) bool {
	for _, pattern := range nonSongPatterns {
		if pattern.MatchString(title) {
			return false
		}
	}
	if duration > 0 && (duration < MinSongDuration || duration > MaxSongDuration) {
		return false
	}
	return true
}

// BuildRadioQuery combines a station description with the energy
// modifier for the current dial position.
func BuildRadioQuery(description string, energy int) string {
	return strings.TrimSpace(description + " " + energyModifiers[clampEnergy(energy)])
}

func clampEnergy(energy int) int {
	return Max(-2, Min(2, energy))
}

// FormatTrackDuration renders seconds as m:ss, or h:mm:ss past an hour.
func FormatTrackDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
