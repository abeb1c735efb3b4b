// internal/report/format.go
package report

import (
	"fmt"
	"strings"

	"github.com/signalnine/vtbot/internal/protocol"
)

// MalformedResultError means an analysis lacks a stat the report needs
type MalformedResultError struct {
	Key string
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("malformed analysis result: missing %q", e.Key)
}

type category struct {
	key    string
	marker string
	label  map[Lang]string
}

var (
	harmless        = category{protocol.StatHarmless, "🟢", map[Lang]string{English: "Harmless", Spanish: "Inofensivo"}}
	malicious       = category{protocol.StatMalicious, "🔴", map[Lang]string{English: "Malicious", Spanish: "Malicioso"}}
	suspicious      = category{protocol.StatSuspicious, "🟡", map[Lang]string{English: "Suspicious", Spanish: "Sospechoso"}}
	undetected      = category{protocol.StatUndetected, "🟣", map[Lang]string{English: "Undetected", Spanish: "No detectado"}}
	typeUnsupported = category{protocol.StatTypeUnsupported, "⚪", map[Lang]string{English: "Type unsupported", Spanish: "Tipo no soportado"}}
)

var (
	urlCategories  = []category{harmless, malicious, suspicious, undetected}
	fileCategories = []category{harmless, malicious, suspicious, undetected, typeUnsupported}
)

// FormatURLResult renders the stats of a URL analysis, one line per category
func FormatURLResult(stats map[string]int, lang Lang) (string, error) {
	return render(stats, urlCategories, lang)
}

// FormatFileResult renders the stats of a file analysis. File analyses
// also report engines that do not support the file type.
func FormatFileResult(stats map[string]int, lang Lang) (string, error) {
	return render(stats, fileCategories, lang)
}

func render(stats map[string]int, cats []category, lang Lang) (string, error) {
	var b strings.Builder
	for _, c := range cats {
		n, ok := stats[c.key]
		if !ok {
			return "", &MalformedResultError{Key: c.key}
		}
		label, ok := c.label[lang]
		if !ok {
			label = c.label[English]
		}
		fmt.Fprintf(&b, "%s *%s*: %d\n", c.marker, label, n)
	}
	return b.String(), nil
}
