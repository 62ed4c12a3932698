package discovery

import (
	"regexp"
	"strconv"
	"strings"
)

var digitSeparators = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", ",", "", ".", "", "'", "")

// ExpectedTotal applies pattern to text and parses its first capture group as a result count,
// ignoring thousands separators. It returns 0 when nothing usable matches.
func ExpectedTotal(pattern *regexp.Regexp, text string) int {
	if pattern == nil {
		return 0
	}
	m := pattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(digitSeparators.Replace(strings.TrimSpace(m[1])))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
