package ledger

import (
	"fmt"
	"strings"
)

// LineItem is one product line inside an invoice.
type LineItem struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description,omitempty"`
	UnitPrice   Money  `json:"unit_price"`
	Quantity    int64  `json:"quantity"`
	Discount    Money  `json:"discount"`
}

// Subtotal is unitPrice*quantity before discount.
func (l LineItem) Subtotal() Money { return l.UnitPrice.MulQty(l.Quantity) }

// Total is unitPrice*quantity - discount.
func (l LineItem) Total() Money { return l.Subtotal().Sub(l.Discount) }

// Validate checks a single line. field is the path prefix used in errors.
func (l LineItem) Validate(field string) error {
	if strings.TrimSpace(l.ProductID) == "" {
		return invalid(field+".product_id", "is required")
	}
	if l.Quantity < 1 || l.Quantity > MaxQuantity {
		return invalid(field+".quantity", "must be between 1 and %d", MaxQuantity)
	}
	if l.UnitPrice.IsNegative() || l.UnitPrice > MaxMoney {
		return invalid(field+".unit_price", "must be between 0 and %s", MaxMoney)
	}
	if l.UnitPrice.IsPositive() && l.Quantity > int64(MaxMoney/l.UnitPrice) {
		return invalid(field+".quantity", "line subtotal would exceed %s", MaxMoney)
	}
	if l.Discount.IsNegative() {
		return invalid(field+".discount", "must be >= 0")
	}
	if l.Discount > l.Subtotal() {
		return invalid(field+".discount", "%s exceeds line subtotal %s", l.Discount, l.Subtotal())
	}
	return nil
}

// ValidateLines checks a non-empty line set and returns its gross total,
// which never exceeds MaxMoney.
func ValidateLines(lines []LineItem) (Money, error) {
	if len(lines) == 0 {
		return 0, invalid("lines", "at least one line is required")
	}
	var gross Money
	for i, l := range lines {
		if err := l.Validate(fmt.Sprintf("lines[%d]", i)); err != nil {
			return 0, err
		}
		if l.Total() > MaxMoney-gross {
			return 0, invalid("lines", "gross total would exceed %s", MaxMoney)
		}
		gross = gross.Add(l.Total())
	}
	return gross, nil
}

func normalizeLines(lines []LineItem) []LineItem {
	out := make([]LineItem, len(lines))
	for i, l := range lines {
		l.ProductID = strings.TrimSpace(l.ProductID)
		l.Description = strings.TrimSpace(l.Description)
		out[i] = l
	}
	return out
}
