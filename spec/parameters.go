package spec

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Parameters holds free-form provider metadata (e.g. Stripe's metadata map) in a JSON column
type Parameters map[string]string

func (p *Parameters) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*p = make(Parameters)
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal jsonb value: %v", value)
	}
	if len(bytes) == 0 {
		*p = make(Parameters)
		return nil
	}
	return json.Unmarshal(bytes, p)
}

func (p Parameters) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (Parameters) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

func (p Parameters) Clone() Parameters {
	clone := make(Parameters, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

// Get returns the first non-empty value among keys
func (p Parameters) Get(keys ...string) string {
	for _, k := range keys {
		if v := p[k]; len(v) > 0 {
			return v
		}
	}
	return ""
}
