// Package normalize canonicalizes observed values so that equivalent spellings
// from different sources compare equal.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRe = regexp.MustCompile(`\s+`)
	numericRe    = regexp.MustCompile(`^-?[0-9][0-9,]*(\.[0-9]+)?$`)
)

// makeAliases maps common shorthand to the manufacturer name used in decodes.
var makeAliases = map[string]string{
	"chevy":         "chevrolet",
	"vw":            "volkswagen",
	"merc":          "mercedes-benz",
	"mercedes":      "mercedes-benz",
	"mercedes benz": "mercedes-benz",
	"alfa":          "alfa romeo",
	"land-rover":    "land rover",
	"rolls royce":   "rolls-royce",
}

// stripMarks removes combining diacritics after NFKD decomposition.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Value standardizes a free-form field value for agreement checks by:
//  1. Decomposing and stripping diacritics
//  2. Case folding
//  3. Removing quote and trailing period punctuation
//  4. Collapsing whitespace
//
// Numeric strings are reformatted without thousands separators so "12,000"
// and "12000" agree.
func Value(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if numericRe.MatchString(s) {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}

	s = stripMarks(s)
	s = cases.Fold().String(s)
	s = strings.NewReplacer("'", "", "\"", "", "`", "").Replace(s)
	s = strings.TrimRight(s, ".")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Make normalizes a manufacturer name and resolves common aliases.
func Make(s string) string {
	v := Value(s)
	if alias, ok := makeAliases[v]; ok {
		return alias
	}
	return v
}

// Model normalizes a model name. Hyphens and spaces are treated alike.
func Model(s string) string {
	return strings.ReplaceAll(Value(s), "-", " ")
}

// YMMKey returns the coarse attribute key used to gate duplicate matches.
// It is empty when any component is missing.
func YMMKey(year int, mk, mdl string) string {
	m := Make(mk)
	md := Model(mdl)
	if year <= 0 || m == "" || md == "" {
		return ""
	}
	return strconv.Itoa(year) + "|" + m + "|" + md
}

// VIN uppercases s, drops separators and validates the modern 17 character
// form. The letters I, O and Q never appear in a valid VIN.
func VIN(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "", " ", "").Replace(s)
	if len(s) != 17 {
		return s, false
	}
	for _, r := range s {
		switch {
		case r == 'I' || r == 'O' || r == 'Q':
			return s, false
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return s, false
		}
	}
	return s, true
}

// NameGeoKey returns the normalized (title, region) key used by the attribute
// match basis. It is empty when either part is missing.
func NameGeoKey(title, region string) string {
	t := Value(title)
	r := Value(region)
	if t == "" || r == "" {
		return ""
	}
	return t + "@" + r
}
