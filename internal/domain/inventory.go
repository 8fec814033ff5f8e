package domain

import "time"

// Variant is a purchasable SKU and the subject of the stock ledger.
type Variant struct {
	ID        string    `json:"variant_id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Available int       `json:"available"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StockLevel struct {
	VariantID string `json:"variant_id"`
	Available int    `json:"available"`
	Version   int64  `json:"version"`
}

// StockRequest is one variant quantity to validate or commit.
type StockRequest struct {
	VariantID string
	Quantity  int
}

type Customization struct {
	Ref       string `json:"ref"`
	Surcharge int64  `json:"surcharge"`
}
