package identity

import (
	"regexp"
	"strconv"
)

var (
	// chapterMarker matches labels like "Chapter 139.6", "Ch.139.5", "Vol.32 Ch.127", "Vol 10.5".
	chapterMarker = regexp.MustCompile(`(?i)(?:ch|chapter)\.?\s*(\d+(?:\.\d+)?)|(?:vol|volume)\.?\s*(\d+(?:\.\d+)?)`)
	firstNumber   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// OrderingKey extracts the numeric chapter number from a chapter label.
// A chapter marker wins over a volume marker appearing later in the label;
// without any marker the first number is used, and 0 when there is none.
func OrderingKey(label string) float64 {
	if m := chapterMarker.FindAllStringSubmatch(label, -1); m != nil {
		// Prefer the first explicit chapter number over any volume number.
		for _, match := range m {
			if match[1] != "" {
				return parseFloat(match[1])
			}
		}
		return parseFloat(m[0][2])
	}
	if n := firstNumber.FindString(label); n != "" {
		return parseFloat(n)
	}
	return 0
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
