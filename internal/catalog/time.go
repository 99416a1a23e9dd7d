package catalog

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Time is a timestamp persisted as unix microseconds so that it orders
// correctly inside SQL comparisons.
type Time struct {
	time.Time
}

// At wraps t, normalized to UTC.
func At(t time.Time) Time {
	return Time{Time: t.UTC()}
}

// Value implements [driver.Valuer].
func (t Time) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UnixMicro(), nil
}

// Scan implements [sql.Scanner].
func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case int64:
		t.Time = time.UnixMicro(v).UTC()
	case float64:
		t.Time = time.UnixMicro(int64(v)).UTC()
	default:
		return fmt.Errorf("cannot scan %T into catalog.Time", src)
	}

	return nil
}
