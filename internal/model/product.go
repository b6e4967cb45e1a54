// Package model defines the domain types owned by the reconciliation engine.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is a catalog entry keyed by its barcode. The barcode is a stable
// natural key and is never regenerated. Fields not known to this struct are
// preserved verbatim in Extra so they survive merges and remote upserts.
type Product struct {
	Barcode   string
	Name      string
	Price     decimal.Decimal
	Stock     int64
	IsDeleted bool
	Extra     map[string]json.RawMessage
}

// knownProductKeys are the JSON keys handled by the struct fields; everything
// else round-trips through Extra.
var knownProductKeys = map[string]struct{}{
	"barcode":    {},
	"name":       {},
	"price":      {},
	"stock":      {},
	"is_deleted": {},
}

func (p Product) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(p.Extra)+5)
	for k, v := range p.Extra {
		if _, known := knownProductKeys[k]; known {
			continue
		}
		doc[k] = v
	}
	var err error
	if doc["barcode"], err = json.Marshal(p.Barcode); err != nil {
		return nil, err
	}
	if doc["name"], err = json.Marshal(p.Name); err != nil {
		return nil, err
	}
	if doc["price"], err = json.Marshal(p.Price); err != nil {
		return nil, err
	}
	if doc["stock"], err = json.Marshal(p.Stock); err != nil {
		return nil, err
	}
	if doc["is_deleted"], err = json.Marshal(p.IsDeleted); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (p *Product) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("product document is not a JSON object: %w", err)
	}
	out := Product{}
	if raw, ok := doc["barcode"]; ok {
		if err := json.Unmarshal(raw, &out.Barcode); err != nil {
			return fmt.Errorf("invalid barcode: %w", err)
		}
	}
	if raw, ok := doc["name"]; ok {
		if err := json.Unmarshal(raw, &out.Name); err != nil {
			return fmt.Errorf("invalid name: %w", err)
		}
	}
	if raw, ok := doc["price"]; ok {
		// decimal accepts both quoted and bare numeric encodings
		if err := json.Unmarshal(raw, &out.Price); err != nil {
			return fmt.Errorf("invalid price: %w", err)
		}
	}
	if raw, ok := doc["stock"]; ok {
		if err := json.Unmarshal(raw, &out.Stock); err != nil {
			return fmt.Errorf("invalid stock: %w", err)
		}
	}
	if raw, ok := doc["is_deleted"]; ok {
		if err := json.Unmarshal(raw, &out.IsDeleted); err != nil {
			return fmt.Errorf("invalid is_deleted: %w", err)
		}
	}
	for k, v := range doc {
		if _, known := knownProductKeys[k]; known {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[k] = v
	}
	*p = out
	return nil
}

// Clone returns a deep copy of the product.
func (p Product) Clone() Product {
	out := p
	if p.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Extra[k] = cp
		}
	}
	return out
}

// Doc renders the product as an opaque remote store record.
func (p Product) Doc() (json.RawMessage, error) {
	return json.Marshal(p)
}

// ProductPatch carries a partial update for an existing product. Nil fields
// are left untouched. A patch can never change the soft-delete flag.
type ProductPatch struct {
	Barcode string
	Name    *string
	Price   *decimal.Decimal
	Stock   *int64
	Extra   map[string]json.RawMessage
}

// Doc renders only the set fields, for a remote partial update.
func (p ProductPatch) Doc() (json.RawMessage, error) {
	doc := make(map[string]json.RawMessage, len(p.Extra)+4)
	for k, v := range p.Extra {
		if _, known := knownProductKeys[k]; known {
			continue
		}
		doc[k] = v
	}
	var err error
	if doc["barcode"], err = json.Marshal(p.Barcode); err != nil {
		return nil, err
	}
	if p.Name != nil {
		if doc["name"], err = json.Marshal(*p.Name); err != nil {
			return nil, err
		}
	}
	if p.Price != nil {
		if doc["price"], err = json.Marshal(*p.Price); err != nil {
			return nil, err
		}
	}
	if p.Stock != nil {
		if doc["stock"], err = json.Marshal(*p.Stock); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}
