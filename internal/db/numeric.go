package db

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// Numeric scans a NUMERIC(78,0) column into a uint256.
type Numeric struct {
	v *uint256.Int
}

func (n *Numeric) Scan(src any) error {
	var s string
	switch x := src.(type) {
	case nil:
		n.v = new(uint256.Int)
		return nil
	case []byte:
		s = string(x)
	case string:
		s = x
	case int64:
		if x < 0 {
			return fmt.Errorf("numeric: negative value %d", x)
		}
		n.v = uint256.NewInt(uint64(x))
		return nil
	default:
		return fmt.Errorf("numeric: unsupported source %T", src)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("numeric %q: %w", s, err)
	}
	n.v = v
	return nil
}

func (n Numeric) Value() (driver.Value, error) { return n.Int().Dec(), nil }

// Int returns the scanned value, zero when nothing was scanned.
func (n Numeric) Int() *uint256.Int {
	if n.v == nil {
		return new(uint256.Int)
	}
	return n.v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
