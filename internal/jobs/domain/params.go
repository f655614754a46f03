package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Params is the feature-specific parameter bag stored as JSONB
type Params map[string]any

// Value implements driver.Valuer
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *Params) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Params{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported params type %T", src)
	}

	out := Params{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	*p = out
	return nil
}
