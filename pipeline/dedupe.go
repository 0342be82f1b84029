package pipeline

import (
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// DedupeKey identifies a product. Records sharing the placeholder image are keyed
// by store, product id and title instead, so they never collapse into one.
func DedupeKey(record *models.ProductRecord) string {
	image := strings.TrimSpace(record.ImageURL)
	if image != "" && image != Placeholder {
		return image
	}
	return "\x00" + record.Store + "|" + record.ProdID + "|" + record.Title
}

// Dedupe keeps the last occurrence of every key, in ascending order of the survivors.
func Dedupe(records []*models.ProductRecord) []*models.ProductRecord {
	seen := make(map[string]struct{}, len(records))
	kept := make([]*models.ProductRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record == nil {
			continue
		}
		key := DedupeKey(record)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, record)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
