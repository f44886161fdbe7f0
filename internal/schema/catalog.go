package schema

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/veldra/storekit/errs"
)

// CatalogProduct is the normalized, read-only view of a remote catalog item.
type CatalogProduct struct {
	ExternalID        string          `json:"externalId"`
	Name              string          `json:"name"`
	Image             string          `json:"image"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int             `json:"availableQuantity"`
	Category          string          `json:"category"`
	Brand             string          `json:"brand"`
	Unit              string          `json:"unit"`
	Active            bool            `json:"active"`
	LastSynced        int64           `json:"lastSynced"`
}

type catalogPayload struct {
	Items []catalogItem `json:"items"`
}

type catalogItem struct {
	ExternalID        string          `json:"externalId"`
	Name              string          `json:"name"`
	Image             string          `json:"image"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int             `json:"availableQuantity"`
	Category          string          `json:"category"`
	Brand             string          `json:"brand"`
	Unit              string          `json:"unit"`
}

// DecodeCatalogPayload parses the remote catalog contract and normalizes it.
// Items without an external id are dropped rather than failing the batch.
func DecodeCatalogPayload(raw []byte, syncedAt int64) ([]CatalogProduct, error) {
	var payload catalogPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.New("schema/catalog", errs.CodeSchema, errs.WithMessage("malformed catalog payload"), errs.WithCause(err))
	}
	products := make([]CatalogProduct, 0, len(payload.Items))
	for _, item := range payload.Items {
		id := strings.TrimSpace(item.ExternalID)
		if id == "" {
			continue
		}
		products = append(products, CatalogProduct{
			ExternalID:        id,
			Name:              strings.TrimSpace(item.Name),
			Image:             item.Image,
			Price:             item.Price,
			AvailableQuantity: item.AvailableQuantity,
			Category:          item.Category,
			Brand:             item.Brand,
			Unit:              item.Unit,
			Active:            true,
			LastSynced:        syncedAt,
		})
	}
	return products, nil
}
