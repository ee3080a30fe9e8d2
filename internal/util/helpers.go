package util

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Timestamped даёт имя для копии загруженного файла: метка времени UTC и
// базовое имя без пробелов, например 20250101_120000__my_notes.pdf.
func Timestamped(name string, at time.Time) string {
	base := strings.Join(strings.Fields(filepath.Base(name)), "_")
	return at.UTC().Format("20060102_150405") + "__" + base
}

var timestampPrefix = regexp.MustCompile(`^\d{8}_\d{6}__`)

// StripTimestamp возвращает исходное имя файла, сохранённого через Timestamped.
func StripTimestamp(name string) string {
	base := filepath.Base(name)
	if rest := timestampPrefix.ReplaceAllString(base, ""); rest != "" {
		return rest
	}
	return base
}

// TruncateRunes — безопасное усечение по рунам; усечённая строка
// заканчивается на "…".
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n]) + "…"
}
