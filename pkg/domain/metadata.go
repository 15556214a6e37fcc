package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Metadata holds arbitrary key-value metadata stored as JSONB.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, m)
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// scanJSON decodes a nullable JSONB column into dst.
func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	b, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
