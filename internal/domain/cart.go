package domain

import "time"

// CartOwner identifies who a cart belongs to. Exactly one of UserID and
// SessionID is set.
type CartOwner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func UserOwner(userID string) CartOwner     { return CartOwner{UserID: userID} }
func GuestOwner(sessionID string) CartOwner { return CartOwner{SessionID: sessionID} }
func (o CartOwner) IsGuest() bool           { return o.UserID == "" && o.SessionID != "" }

func (o CartOwner) Validate() error {
	if (o.UserID == "") == (o.SessionID == "") {
		return ErrOwnerConflict
	}
	return nil
}

// Key is the namespaced owner identity used for lock and cache keys.
func (o CartOwner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "guest:" + o.SessionID
}

type CartLine struct {
	VariantID        string `json:"variant_id"`
	Quantity         int    `json:"quantity"`
	UnitPrice        int64  `json:"unit_price"`
	CustomizationRef string `json:"customization_ref,omitempty"`
	Surcharge        int64  `json:"surcharge"`
	LineTotal        int64  `json:"line_total"`
}

// SameItem reports whether two lines describe the same purchasable item.
func (l CartLine) SameItem(variantID, customizationRef string) bool {
	return l.VariantID == variantID && l.CustomizationRef == customizationRef
}

type Cart struct {
	ID        string     `json:"id"`
	Owner     CartOwner  `json:"owner"`
	Lines     []CartLine `json:"lines"`
	Subtotal  int64      `json:"subtotal"`
	TaxAmount int64      `json:"tax_amount"`
	Total     int64      `json:"total"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func NewCart(id string, owner CartOwner, now time.Time) *Cart {
	return &Cart{
		ID:        id,
		Owner:     owner,
		Lines:     []CartLine{},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LineIndex returns the index of the matching line or -1.
func (c *Cart) LineIndex(variantID, customizationRef string) int {
	for i, l := range c.Lines {
		if l.SameItem(variantID, customizationRef) {
			return i
		}
	}
	return -1
}

// QuantityOf sums the quantity held for a variant across all customizations.
func (c *Cart) QuantityOf(variantID string) int {
	total := 0
	for _, l := range c.Lines {
		if l.VariantID == variantID {
			total += l.Quantity
		}
	}
	return total
}

// AddLine adds quantity to an existing line or appends a new one.
func (c *Cart) AddLine(line CartLine) error {
	if line.Quantity < 1 {
		return ErrInvalidQuantity
	}
	if i := c.LineIndex(line.VariantID, line.CustomizationRef); i >= 0 {
		c.Lines[i].Quantity += line.Quantity
		c.Lines[i].UnitPrice = line.UnitPrice
		c.Lines[i].Surcharge = line.Surcharge
		return nil
	}
	c.Lines = append(c.Lines, line)
	return nil
}

func (c *Cart) SetQuantity(variantID, customizationRef string, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	i := c.LineIndex(variantID, customizationRef)
	if i < 0 {
		return ErrNotFound
	}
	c.Lines[i].Quantity = quantity
	return nil
}

func (c *Cart) RemoveLine(variantID, customizationRef string) error {
	i := c.LineIndex(variantID, customizationRef)
	if i < 0 {
		return ErrNotFound
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	return nil
}

// Recalculate derives every line total and the cart totals. Tax is applied
// to the subtotal in basis points and rounded half up.
func (c *Cart) Recalculate(taxRateBPS int64) {
	var subtotal int64
	for i := range c.Lines {
		l := &c.Lines[i]
		l.LineTotal = l.UnitPrice*int64(l.Quantity) + l.Surcharge
		subtotal += l.LineTotal
	}
	c.Subtotal = subtotal
	c.TaxAmount = (subtotal*taxRateBPS + 5000) / 10000
	c.Total = c.Subtotal + c.TaxAmount
}

func (c *Cart) StockRequests() []StockRequest {
	return AggregateStock(c.Lines, func(l CartLine) (string, int) { return l.VariantID, l.Quantity })
}
