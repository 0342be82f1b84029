package storage

import (
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductArgsFollowColumnOrder(t *testing.T) {
	record := &models.ProductRecord{
		ImageURL:          "http://img.test/a.jpg",
		CurrentPrice:      8.99,
		OldPrice:          10.49,
		Description:       "desc",
		Title:             "Lapte 1L",
		Store:             "penny",
		ProductLink:       "https://example.test/p/1",
		ProdID:            "1",
		Unit:              "ml",
		MetrPrice:         0.00899,
		Quantity:          1000,
		LowValFlag:        models.NormalValue,
		RawCategory:       "Lactate",
		CanonicalCategory: "Dairy",
		CategorySlug:      "lactate",
	}

	args := productArgs(42, 3, record)
	require.Len(t, args, 17)
	assert.Equal(t, int64(42), args[0])
	assert.Equal(t, 3, args[1])
	assert.Equal(t, "http://img.test/a.jpg", args[2])
	assert.Equal(t, 8.99, args[3])
	assert.Equal(t, "1", args[9])
	assert.Equal(t, 1000.0, args[12])
	assert.Equal(t, "Dairy", args[15])
	assert.Equal(t, "lactate", args[16])
}

func TestSlugArgs(t *testing.T) {
	args := slugArgs(7, models.CategorySlugEntry{
		CategoryName: "Lactate",
		CategorySlug: "lactate",
		StoreName:    "penny",
		StoreSlug:    "penny-4469",
		HasItems:     true,
	})
	assert.Equal(t, []any{int64(7), "lactate", "penny-4469", "Lactate", "penny", true}, args)
}

func TestSnapshotDay(t *testing.T) {
	loc := time.FixedZone("EET", 2*60*60)
	day := snapshotDay(time.Date(2025, 3, 7, 23, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), day)
	assert.False(t, snapshotDay(time.Time{}).IsZero())
}

func TestFailureEncodingRoundTrip(t *testing.T) {
	entries := []models.FailedFetch{
		{URL: "http://api.test/a", Kind: models.FetchPrimary, VenueSlug: "penny-1", CategoryID: 2, Attempts: 10, LastError: "timeout"},
		{URL: "http://api.test/b&page_token=x", Kind: models.FetchPagination, VenueSlug: "profi-2", CategoryID: 5},
	}

	values, err := encodeFailures(entries)
	require.NoError(t, err)
	require.Len(t, values, 2)

	raw := make([]string, 0, len(values))
	for _, v := range values {
		raw = append(raw, v.(string))
	}
	decoded, err := decodeFailures(raw)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestDecodeFailuresRejectsBadEntries(t *testing.T) {
	_, err := decodeFailures([]string{"{not json"})
	assert.Error(t, err)

	_, err = decodeFailures([]string{`{"kind":"primary"}`})
	assert.ErrorContains(t, err, "missing url")

	decoded, err := decodeFailures(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
