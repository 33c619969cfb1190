package core

import (
	"bufio"
	"bytes"
	"strings"
)

// Delimiters tried by ParseBest, in preference order. Ties go to the
// earlier candidate, so semicolon (the dominant export format) wins.
var delimiterCandidates = []byte{';', ',', '\t', '|'}

// StripBOM removes a leading UTF-8 byte order mark, which Excel exports
// routinely prepend to the first line.
func StripBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

// CleanCell replaces the non-breaking space variants Excel sprinkles into
// cells (U+00A0, U+2007, U+202F) with plain spaces and trims the result.
func CleanCell(s string) string {
	s = strings.NewReplacer(" ", " ", " ", " ", " ", " ").Replace(s)
	return strings.TrimSpace(s)
}

// CountSeparators counts occurrences of sep outside double-quoted regions.
func CountSeparators(line string, sep byte) int {
	n := 0
	inQuotes := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"':
			inQuotes = !inQuotes
		case line[i] == sep && !inQuotes:
			n++
		}
	}
	return n
}

// DetectDelimiter picks between semicolon and comma by counting unquoted
// occurrences in the first line. Comma wins only when it is strictly more
// frequent; ties and empty lines fall back to semicolon.
func DetectDelimiter(firstLine string) byte {
	if CountSeparators(firstLine, ',') > CountSeparators(firstLine, ';') {
		return ','
	}
	return ';'
}

// ParseLine splits line on sep honoring double quotes. A doubled quote
// inside a quoted region is an escaped literal quote. Quote characters in
// unquoted cells are preserved as-is; an unterminated quote runs to the
// end of the line. Every cell is passed through CleanCell.
func ParseLine(line string, sep byte) []string {
	var cells []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == sep && !inQuotes:
			cells = append(cells, CleanCell(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	cells = append(cells, CleanCell(cur.String()))
	return cells
}

// ParseBest tokenizes line with every candidate delimiter and keeps the
// split that produced the most cells. Used by the capitation loader, whose
// files arrive with per-export (and occasionally per-row) delimiters.
func ParseBest(line string) ([]string, byte) {
	best := ParseLine(line, delimiterCandidates[0])
	bestSep := delimiterCandidates[0]
	for _, sep := range delimiterCandidates[1:] {
		if cells := ParseLine(line, sep); len(cells) > len(best) {
			best = cells
			bestSep = sep
		}
	}
	return best, bestSep
}

// IsBlankRow reports whether a tokenized row carries no data at all.
func IsBlankRow(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// ReadLines splits raw file bytes into logical lines, tolerating CRLF and
// bare-CR endings and stripping the BOM from the first line. The scanner
// buffer is widened because report exports can carry very long rows.
func ReadLines(data []byte) ([]string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines []string
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			line = StripBOM(line)
			first = false
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, Infrastructure("No fue posible leer el archivo", err)
	}
	return lines, nil
}
