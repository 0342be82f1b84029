package pipeline

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// Placeholder is the value substituted for missing text fields.
const Placeholder = "N/A"

// Extractor turns catalog pages into product records.
type Extractor struct {
	mapper            *parser.CategoryMapper
	linkTemplate      string
	lowValueThreshold float64
}

// NewExtractor builds an extractor. A nil mapper sends every category to the fallback bucket.
func NewExtractor(mapper *parser.CategoryMapper, linkTemplate string, lowValueThreshold float64) *Extractor {
	return &Extractor{
		mapper:            mapper,
		linkTemplate:      linkTemplate,
		lowValueThreshold: lowValueThreshold,
	}
}

// Extract converts every item of page. It never fails: malformed items produce defaulted records.
func (e *Extractor) Extract(page *models.CatalogPage, venue *models.VenueTarget) ([]*models.ProductRecord, models.CategorySlugEntry) {
	categoryName := textOr(page.Category.Name)
	categorySlug := textOr(page.Category.Slug)

	entry := models.CategorySlugEntry{
		CategoryName: categoryName,
		CategorySlug: categorySlug,
		StoreName:    venue.StoreName,
		StoreSlug:    venue.Slug,
		HasItems:     len(page.Items) > 0,
	}

	canonical := e.mapper.Map(categoryName)
	records := make([]*models.ProductRecord, 0, len(page.Items))
	for _, raw := range page.Items {
		record := e.extractItem(decodeItem(raw), venue)
		record.RawCategory = categoryName
		record.CanonicalCategory = canonical
		record.CategorySlug = categorySlug
		records = append(records, record)
	}
	return records, entry
}

func (e *Extractor) extractItem(item map[string]any, venue *models.VenueTarget) *models.ProductRecord {
	price := parser.NormalizePrice(item["price"])
	oldPrice := parser.NormalizePrice(item["original_price"])
	title := parser.TextOrDefault(item["name"], Placeholder)
	prodID := parser.TextOrDefault(item["id"], Placeholder)

	quantity, unit := parser.ParseQuantity(title)
	metric := parser.MetricPrice(price, quantity)
	if metric == 0 && price != 0 {
		slog.Debug("metric price defaulted",
			slog.String("title", title),
			slog.Float64("price", price),
			slog.Float64("quantity", quantity),
		)
	}

	return &models.ProductRecord{
		ImageURL:     imageURL(item["images"]),
		CurrentPrice: price,
		OldPrice:     oldPrice,
		Description:  parser.TextOrDefault(item["description"], Placeholder),
		Title:        title,
		Store:        venue.StoreName,
		ProductLink:  e.productLink(venue.Slug, prodID),
		ProdID:       prodID,
		Unit:         unit,
		MetrPrice:    metric,
		Quantity:     quantity,
		LowValFlag:   parser.LowValueFlag(metric, e.lowValueThreshold),
	}
}

func (e *Extractor) productLink(venueSlug, prodID string) string {
	return strings.NewReplacer("{venue}", venueSlug, "{id}", prodID).Replace(e.linkTemplate)
}

// decodeItem returns an empty map for items that are not JSON objects.
func decodeItem(raw json.RawMessage) map[string]any {
	item := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil || item == nil {
		slog.Debug("item is not an object", slog.Any("error", err))
		return map[string]any{}
	}
	return item
}

// imageURL reads images given as a list of objects or as a single object.
func imageURL(raw any) string {
	switch images := raw.(type) {
	case []any:
		if len(images) == 0 {
			return Placeholder
		}
		if first, ok := images[0].(map[string]any); ok {
			return parser.TextOrDefault(first["url"], Placeholder)
		}
	case map[string]any:
		return parser.TextOrDefault(images["url"], Placeholder)
	}
	return Placeholder
}

func textOr(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
