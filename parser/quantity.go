package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// Canonical units every quantity is normalized to.
const (
	UnitGram       = "g"
	UnitMilliliter = "ml"
	UnitPiece      = "piece"
	UnitWash       = "wash"
	UnitEgg        = "egg"
)

type conversion struct {
	unit   string
	factor float64
}

// unitConversions maps every unit token a title may carry to its canonical unit.
var unitConversions = map[string]conversion{
	"kg":      {UnitGram, 1000},
	"gr":      {UnitGram, 1},
	"g":       {UnitGram, 1},
	"l":       {UnitMilliliter, 1000},
	"ml":      {UnitMilliliter, 1},
	"buc":     {UnitPiece, 1},
	"bucati":  {UnitPiece, 1},
	"piece":   {UnitPiece, 1},
	"spalari": {UnitWash, 1},
	"wash":    {UnitWash, 1},
	"oua":     {UnitEgg, 1},
	"egg":     {UnitEgg, 1},
}

// RE2's \b only treats ASCII as word characters, so "3 lămâi" would read as "3 l".
// These boundaries count every Unicode letter and digit as part of a word.
const (
	wordStart = `(^|[^\p{L}\p{N}_])`
	wordEnd   = `([^\p{L}\p{N}_]|$)`
)

// RE2 has no look-around, so the rewrites capture the boundaries and emit them again.
var titleRewrites = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// 6x0 33l -> 6x0,33l
	{regexp.MustCompile(`([x*])0\s+(\d+)(\s*(?:kg|g|gr|l|ml))` + wordEnd), "${1}0,${2}${3}${4}"},
	// 0 33l, 0 ,33l -> 0.33l
	{regexp.MustCompile(wordStart + `0\s*[.,\s]\s*(\d+)(\s*(?:kg|g|gr|l|ml))` + wordEnd), "${1}0.${2}${3}${4}"},
	// 033l -> 0,33l
	{regexp.MustCompile(wordStart + `0(\d{2,})(\s*(?:kg|g|gr|l|ml))` + wordEnd), "${1}0,${2}${3}${4}"},
	// /100g -> " 100g"
	{regexp.MustCompile(`/\s*(\d+(?:[.,]\d+)?)\s*(kg|g|gr|l|ml)` + wordEnd), " ${1}${2}${3}"},
}

var (
	bulkPer100gPattern = regexp.MustCompile(`vrac\s*/?\s*100\s*g` + wordEnd)
	bulkPerKgPattern   = regexp.MustCompile(`vrac\s*/?\s*kg` + wordEnd)

	unitTokens       = `kg|gr|g|bucati|buc|ml|l|spalari|oua`
	quantityPattern  = regexp.MustCompile(`(\d+(?:[.,]\d+)?(?:\s*[x*]\s*\d+(?:[.,]\d+)?)?)\s*(` + unitTokens + `)` + wordEnd)
	bareUnitPattern  = regexp.MustCompile(wordStart + `(` + unitTokens + `)` + wordEnd)
	perPiecePhrases  = []string{"per bucata", "pe bucata"}
	defaultQuantity  = 1.0
	bulkDefaultGrams = 1000.0
	bulk100gQuantity = 100.0
)

// NormalizeTitle lowercases a title and repairs decimal separators around net-weight annotations.
func NormalizeTitle(title string) string {
	out := strings.ToLower(title)
	for _, rw := range titleRewrites {
		out = rw.pattern.ReplaceAllString(out, rw.replacement)
	}
	return out
}

// ParseQuantity extracts the net quantity of a product title in canonical units.
// It never fails; titles without a recognizable quantity count as one piece.
func ParseQuantity(title string) (float64, string) {
	if strings.TrimSpace(title) == "" {
		return defaultQuantity, UnitPiece
	}

	lower := strings.ToLower(title)
	cleaned := NormalizeTitle(title)

	for _, phrase := range perPiecePhrases {
		if strings.Contains(lower, phrase) {
			return defaultQuantity, UnitPiece
		}
	}
	if bulkPer100gPattern.MatchString(cleaned) {
		return bulk100gQuantity, UnitGram
	}
	if bulkPerKgPattern.MatchString(cleaned) {
		return bulkDefaultGrams, UnitGram
	}

	// The trailing annotation is the net weight; earlier matches are pack counts.
	if matches := quantityPattern.FindAllStringSubmatch(cleaned, -1); len(matches) > 0 {
		last := matches[len(matches)-1]
		if quantity, ok := EvaluateQuantity(last[1]); ok {
			return ConvertToCanonical(quantity, last[2])
		}
	}

	if strings.Contains(cleaned, "vrac") && !bareUnitPattern.MatchString(cleaned) {
		return bulkDefaultGrams, UnitGram
	}

	return defaultQuantity, UnitPiece
}

// EvaluateQuantity evaluates "n" or "n x m" where n and m are decimals using '.' or ','.
func EvaluateQuantity(expr string) (float64, bool) {
	expr = strings.Join(strings.Fields(expr), "")
	expr = strings.ReplaceAll(expr, ",", ".")
	if expr == "" {
		return 0, false
	}

	factors := strings.FieldsFunc(expr, func(r rune) bool {
		return r == 'x' || r == 'X' || r == '*'
	})
	if len(factors) == 0 || len(factors) > 2 || strings.Count(expr, "x")+strings.Count(expr, "X")+strings.Count(expr, "*") != len(factors)-1 {
		return 0, false
	}

	result := 1.0
	for _, factor := range factors {
		value, err := strconv.ParseFloat(factor, 64)
		if err != nil {
			return 0, false
		}
		result *= value
	}
	return result, true
}

// ConvertToCanonical converts quantity from unit into its canonical unit.
// Unknown units are returned unchanged.
func ConvertToCanonical(quantity float64, unit string) (float64, string) {
	conv, ok := unitConversions[strings.ToLower(unit)]
	if !ok {
		return quantity, unit
	}
	return quantity * conv.factor, conv.unit
}
