package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LinesVersion is the current schema version of persisted line items.
const LinesVersion = 2

type linesEnvelope struct {
	Version int        `json:"version"`
	Lines   []LineItem `json:"lines"`
}

// EncodeLines serialises lines using the current versioned schema.
func EncodeLines(lines []LineItem) ([]byte, error) {
	if lines == nil {
		lines = []LineItem{}
	}
	return json.Marshal(linesEnvelope{Version: LinesVersion, Lines: lines})
}

// DecodeLines reads any known line representation and returns it in the
// current shape. Legacy blobs are arrays of {"first","second"[,"third"]}
// records produced by the desktop client.
func DecodeLines(data []byte) ([]LineItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, invalid("lines", "empty payload")
	}
	switch data[0] {
	case '{':
		var env linesEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, invalid("lines", "decode: %v", err)
		}
		if env.Version != LinesVersion {
			return nil, invalid("lines", "unsupported version %d", env.Version)
		}
		return env.Lines, nil
	case '[':
		return decodeLegacyLines(data)
	default:
		return nil, invalid("lines", "unrecognised payload")
	}
}

type legacyProduct struct {
	ProductID   json.Number `json:"productId"`
	ProductName string      `json:"productName"`
	Amount      json.Number `json:"amount"`
}

type legacyEntry struct {
	First  *legacyProduct  `json:"first"`
	Second json.Number     `json:"second"`
	Third  json.RawMessage `json:"third"`
}

func decodeLegacyLines(data []byte) ([]LineItem, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, invalid("lines", "decode legacy: %v", err)
	}
	if len(raw) == 0 {
		return nil, invalid("lines", "legacy payload has no lines")
	}
	_, triple := raw[0]["third"]

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var entries []legacyEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, invalid("lines", "decode legacy: %v", err)
	}

	out := make([]LineItem, 0, len(entries))
	for i, e := range entries {
		field := fmt.Sprintf("lines[%d]", i)
		if e.First == nil {
			return nil, invalid(field, "missing product")
		}
		price, err := legacyAmount(e.First.Amount)
		if err != nil {
			return nil, invalid(field+".unit_price", "%v", err)
		}
		line := LineItem{
			ProductID:   legacyProductID(e.First),
			Description: strings.TrimSpace(e.First.ProductName),
			UnitPrice:   price,
		}
		if triple {
			discount, err := legacyAmount(e.Second)
			if err != nil {
				return nil, invalid(field+".discount", "%v", err)
			}
			line.Discount = discount
			var qty json.Number
			if err := json.Unmarshal(e.Third, &qty); err != nil {
				return nil, invalid(field+".quantity", "%v", err)
			}
			if line.Quantity, err = legacyQuantity(qty); err != nil {
				return nil, invalid(field+".quantity", "%v", err)
			}
		} else {
			if line.Quantity, err = legacyQuantity(e.Second); err != nil {
				return nil, invalid(field+".quantity", "%v", err)
			}
		}
		if err := line.Validate(field); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

// legacyAmount converts a float written by the desktop client into Money.
// The float is read through its shortest decimal representation, then rounded to cents.
func legacyAmount(n json.Number) (Money, error) {
	if n == "" {
		return 0, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return MoneyFromDecimal(decimal.NewFromFloat(f).Round(MinorUnitScale))
}

func legacyQuantity(n json.Number) (int64, error) {
	if n == "" {
		return 0, fmt.Errorf("missing")
	}
	if q, err := n.Int64(); err == nil {
		return q, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("fractional quantity %s", d)
	}
	return d.IntPart(), nil
}

func legacyProductID(p *legacyProduct) string {
	id := strings.TrimSpace(p.ProductID.String())
	if id != "" && id != "0" {
		return id
	}
	if name := strings.TrimSpace(p.ProductName); name != "" {
		return name
	}
	return "legacy"
}
