package sqlite

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"modernc.org/sqlite"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerFunctions installs to_real and gen_uuid for every connection the
// driver opens from now on.
func registerFunctions() error {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction("to_real", 1, toReal); err != nil {
			registerErr = fmt.Errorf("sqlite: register to_real: %w", err)
			return
		}
		if err := sqlite.RegisterScalarFunction("gen_uuid", 0, genUUID); err != nil {
			registerErr = fmt.Errorf("sqlite: register gen_uuid: %w", err)
		}
	})
	return registerErr
}

// toReal converts text to REAL and fails the statement on anything that is
// not a number. NULL stays NULL. CAST(x AS REAL) would turn "abc" into 0.
func toReal(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case []byte:
		return parseReal(string(v))
	case string:
		return parseReal(v)
	default:
		return nil, fmt.Errorf("to_real: unsupported value of type %T", v)
	}
}

func parseReal(s string) (driver.Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("to_real: invalid number %q", s)
	}
	return f, nil
}

func genUUID(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return uuid.NewString(), nil
}
