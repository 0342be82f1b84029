// Package parser turns raw catalog values into normalized product fields.
package parser

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// DefaultLowValueThreshold flags metric prices that are implausibly small.
const DefaultLowValueThreshold = 0.0003

// RoundPrice rounds to two decimals.
func RoundPrice(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

// NormalizePrice converts a minor-unit amount (bani, cents) into a rounded price.
// Missing, null and non-numeric values yield 0.
func NormalizePrice(raw any) float64 {
	minor, ok := toFloat(raw)
	if !ok || minor == 0 {
		return 0
	}
	return RoundPrice(minor / 100)
}

// MetricPrice returns price per canonical unit, 0 whenever the division is unsafe.
func MetricPrice(price, quantity float64) float64 {
	if price == 0 || quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return 0
	}
	metric := price / quantity
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return 0
	}
	return metric
}

// LowValueFlag marks metric prices below threshold for triage.
func LowValueFlag(metric, threshold float64) string {
	if metric < threshold {
		return models.LowValue
	}
	return models.NormalValue
}

// TextOrDefault returns raw as a trimmed string, or def when it is missing or blank.
func TextOrDefault(raw any, def string) string {
	switch v := raw.(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
