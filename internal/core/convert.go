package core

import (
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Pivot for two-digit years: 00-49 map to 2000-2049, 50-99 to 1950-1999.
const twoDigitYearPivot = 50

var datePlaceholders = map[string]bool{
	"0":          true,
	"0000-00-00": true,
	"00/00/0000": true,
}

var moneyCleaner = strings.NewReplacer("$", "", " ", "", " ", "", "\t", "")

// ParseMonto normalizes a locale-ambiguous money string. When both
// separators appear, the rightmost one is the decimal separator and the
// other is grouping. A lone comma is always decimal. A lone dot is always
// decimal too, so "1.234" is one point two three four, never one thousand
// two hundred thirty-four. Returns ok=false for empty or unparseable input.
func ParseMonto(s string) (decimal.Decimal, bool) {
	t := moneyCleaner.Replace(s)
	if t == "" {
		return decimal.Decimal{}, false
	}
	lastDot := strings.LastIndexByte(t, '.')
	lastComma := strings.LastIndexByte(t, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			t = strings.ReplaceAll(t, ",", "")
		} else {
			t = strings.ReplaceAll(t, ".", "")
			t = strings.ReplaceAll(t, ",", ".")
		}
	case lastComma >= 0:
		t = strings.ReplaceAll(t, ",", ".")
	}
	d, err := decimal.NewFromString(t)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParsePorcentaje normalizes a percentage cell: the % sign and space
// variants are stripped and a decimal comma becomes a dot. Values that
// still fail to parse are dropped rather than rejected, since the
// percentage column is not critical.
func ParsePorcentaje(s string) (decimal.Decimal, bool) {
	t := strings.NewReplacer("%", "", " ", "", " ", "").Replace(s)
	if t == "" {
		return decimal.Decimal{}, false
	}
	t = strings.ReplaceAll(t, ",", ".")
	d, err := decimal.NewFromString(t)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseFecha parses the date shapes seen in payment exports: day-first
// with slash or dash separators and four- or two-digit years, plus
// year-first ISO-style values. Placeholder cells such as "0" and
// "00/00/0000" and anything unparseable return an invalid (NULL) date.
func ParseFecha(s string) pgtype.Date {
	t := strings.TrimSpace(s)
	if t == "" || datePlaceholders[t] {
		return pgtype.Date{}
	}
	t = strings.ReplaceAll(t, "-", "/")
	for _, layout := range []string{"2/1/2006", "2006/1/2", "2/1/06"} {
		if ts, err := time.Parse(layout, t); err == nil {
			if layout == "2/1/06" {
				ts = applyYearPivot(ts)
			}
			return pgtype.Date{Time: ts, Valid: true}
		}
	}
	return pgtype.Date{}
}

func applyYearPivot(ts time.Time) time.Time {
	y := ts.Year()
	// time.Parse already maps 2-digit years with pivot 69; re-pivot at 50.
	switch {
	case y >= 2000+twoDigitYearPivot:
		return ts.AddDate(-100, 0, 0)
	case y < 1900+twoDigitYearPivot && y >= 1900:
		return ts.AddDate(100, 0, 0)
	}
	return ts
}

// ParseFechaSerial extends ParseFecha with the spreadsheet serial form: a
// bare number in [25000, 60000] counting days from 1899-12-30, which Excel
// emits when a date column loses its formatting.
func ParseFechaSerial(s string) pgtype.Date {
	if d := ParseFecha(s); d.Valid {
		return d
	}
	t := strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	serial, err := decimal.NewFromString(t)
	if err != nil {
		return pgtype.Date{}
	}
	days := serial.Round(0).IntPart()
	if days < 25000 || days > 60000 {
		return pgtype.Date{}
	}
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	return pgtype.Date{Time: epoch.AddDate(0, 0, int(days-25569)), Valid: true}
}

// UsesDotAsDecimal reports whether a money cell already uses a decimal
// dot: either a dot to the right of the last comma, or a lone dot followed
// by one or two digits. The correction pre-scan uses this to detect files
// whose thousands dots were silently destroyed upstream.
func UsesDotAsDecimal(s string) bool {
	t := moneyCleaner.Replace(s)
	lastDot := strings.LastIndexByte(t, '.')
	if lastDot < 0 {
		return false
	}
	if lastComma := strings.LastIndexByte(t, ','); lastComma >= 0 {
		return lastDot > lastComma
	}
	if strings.Count(t, ".") != 1 {
		return false
	}
	frac := t[lastDot+1:]
	if len(frac) < 1 || len(frac) > 2 {
		return false
	}
	for i := 0; i < len(frac); i++ {
		if frac[i] < '0' || frac[i] > '9' {
			return false
		}
	}
	return true
}

// HasDigit reports whether s contains at least one ASCII digit.
func HasDigit(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeHeader canonicalizes a header cell or column name for matching:
// lowercase, accents stripped, dots, dashes, and underscores treated as
// spaces, and runs of whitespace collapsed to single spaces. "Valor
// Cápita" and "valor_capita" both normalize to "valor capita".
func NormalizeHeader(s string) string {
	t := strings.ToLower(CleanCell(s))
	if stripped, _, err := transform.String(accentStripper, t); err == nil {
		t = stripped
	}
	t = strings.NewReplacer(".", " ", "-", " ", "_", " ").Replace(t)
	return strings.Join(strings.Fields(t), " ")
}

// Truncate limits s to max bytes, mirroring the LEFT() guards applied by
// the set-based statements.
func Truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// ToPgText maps a cleaned cell to a nullable text value: empty means NULL.
func ToPgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgNumeric converts a parsed decimal to a nullable pgtype.Numeric.
func ToPgNumeric(d decimal.Decimal, ok bool) pgtype.Numeric {
	var n pgtype.Numeric
	if !ok {
		return n
	}
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{}
	}
	return n
}
