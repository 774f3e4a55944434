package seed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"adega/backend/internal/barcode"
)

func TestDataIsConsistent(t *testing.T) {
	data := Data(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.Len(t, data.Inventory, len(data.Products))
	codes := map[string]bool{}
	for _, p := range data.Products {
		assert.False(t, codes[p.Code], "duplicate code %s", p.Code)
		codes[p.Code] = true
		assert.True(t, barcode.Validate(p.Barcode), p.Barcode)
	}
	for _, it := range data.Inventory {
		assert.True(t, codes[it.Code], "orphan inventory item %s", it.Code)
	}
	assert.NotNil(t, data.Sales)
	assert.Equal(t, "V006", barcode.NextProductCode([]string{"V001", "V002", "V003", "V004", "V005"}))
}
