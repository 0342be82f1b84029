package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FallbackCategory is returned for raw categories missing from the relabeling table.
const FallbackCategory = "Miscellaneous"

// CategoryRule relabels one vendor category.
type CategoryRule struct {
	Original string `json:"Original Category"`
	New      string `json:"New Category"`
}

// CategoryMapper maps vendor category names onto canonical buckets.
type CategoryMapper struct {
	table map[string]string
	cache *lru.Cache[string, string] // memo of raw name -> bucket; never changes a result
}

// NewCategoryMapper indexes rules by their normalized original name.
// When two rules normalize to the same key the later one wins.
func NewCategoryMapper(rules []CategoryRule, cacheSize int) (*CategoryMapper, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create category cache: %w", err)
	}

	table := make(map[string]string, len(rules))
	for _, rule := range rules {
		table[NormalizeCategoryKey(rule.Original)] = rule.New
	}
	return &CategoryMapper{table: table, cache: cache}, nil
}

// Map returns the canonical bucket for a raw category name.
// Results are memoized by raw name so repeated pages skip normalization.
func (m *CategoryMapper) Map(raw string) string {
	if m == nil {
		return FallbackCategory
	}
	if cached, ok := m.cache.Get(raw); ok {
		return cached
	}

	mapped, ok := m.table[NormalizeCategoryKey(raw)]
	if !ok {
		mapped = FallbackCategory
	}
	m.cache.Add(raw, mapped)
	return mapped
}

// Len returns the number of distinct normalized keys.
func (m *CategoryMapper) Len() int {
	return len(m.table)
}

// NormalizeCategoryKey lowercases s and keeps only ASCII letters and digits.
func NormalizeCategoryKey(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// LoadCategoryRules decodes a JSON array of relabeling rules.
func LoadCategoryRules(r io.Reader) ([]CategoryRule, error) {
	var rules []CategoryRule
	if err := json.NewDecoder(r).Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode category rules: %w", err)
	}
	return rules, nil
}

// LoadCategoryRulesFile reads relabeling rules from path.
func LoadCategoryRulesFile(path string) ([]CategoryRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open category table: %w", err)
	}
	defer f.Close()
	return LoadCategoryRules(f)
}
