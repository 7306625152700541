package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// conditionValueEquals compares a condition's declared value against a
// runtime attribute value. The runtime value is coerced to the declared type;
// a failed coercion is treated as non-equal, never as an error. An absent
// declared value or an unrecognized value type is also non-equal.
func conditionValueEquals(cond Condition, value any) bool {
	if value == nil {
		return false
	}

	switch cond.ValueType {
	case TypeString:
		return cond.ValueString != nil && strings.EqualFold(*cond.ValueString, stringify(value))
	case TypeWholeNumber:
		runtime, ok := asInt64(value)
		return ok && cond.ValueWholeNumber != nil && *cond.ValueWholeNumber == runtime
	case TypeDecimal:
		runtime, ok := asFloat64(value)
		return ok && cond.ValueDecimal != nil && *cond.ValueDecimal == runtime
	case TypeBoolean:
		runtime, ok := asBool(value)
		return ok && cond.ValueBoolean != nil && *cond.ValueBoolean == runtime
	case TypeDateTime:
		runtime, ok := asTime(value)
		return ok && cond.ValueDateTime != nil && cond.ValueDateTime.Equal(runtime)
	case TypeGUID:
		return cond.ValueGUID != nil && strings.EqualFold(*cond.ValueGUID, stringify(value))
	case TypeMoney:
		runtime, ok := asMoneyAmount(value)
		return ok && cond.ValueMoney != nil && *cond.ValueMoney == runtime
	case TypeOption:
		runtime, ok := asInt64(value)
		return ok && cond.ValueOption != nil && *cond.ValueOption == runtime
	case TypeLookup:
		runtime, ok := asReference(value)
		if !ok || cond.ValueLookupEntity == nil || cond.ValueLookupID == nil {
			return false
		}
		return strings.EqualFold(*cond.ValueLookupEntity, runtime.Entity) &&
			strings.EqualFold(*cond.ValueLookupID, runtime.ID)
	default:
		return false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	case uint:
		return int64(number), true
	case uint8:
		return int64(number), true
	case uint16:
		return int64(number), true
	case uint32:
		return int64(number), true
	case float32:
		return wholeToInt64(float64(number))
	case float64:
		return wholeToInt64(number)
	case json.Number:
		parsed, err := number.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(number), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func wholeToInt64(value float64) (int64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Trunc(value) != value {
		return 0, false
	}
	if value < float64(math.MinInt64) || value > float64(math.MaxInt64) {
		return 0, false
	}
	return int64(value), true
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	case json.Number:
		parsed, err := number.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(number), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		integer, ok := asInt64(value)
		if !ok {
			return 0, false
		}
		return float64(integer), true
	}
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return parsed, true
	default:
		integer, ok := asInt64(value)
		if !ok {
			return false, false
		}
		return integer != 0, true
	}
}

func asTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func asMoneyAmount(value any) (float64, bool) {
	switch v := value.(type) {
	case Money:
		return v.Amount, true
	case *Money:
		if v == nil {
			return 0, false
		}
		return v.Amount, true
	case map[string]any:
		amount, ok := v["amount"]
		if !ok {
			return 0, false
		}
		return asFloat64(amount)
	default:
		return asFloat64(value)
	}
}

func asReference(value any) (Reference, bool) {
	switch v := value.(type) {
	case Reference:
		return v, true
	case *Reference:
		if v == nil {
			return Reference{}, false
		}
		return *v, true
	case map[string]any:
		entity, _ := v["entity"].(string)
		id, idOK := v["id"].(string)
		if entity == "" || !idOK {
			return Reference{}, false
		}
		return Reference{Entity: entity, ID: id}, true
	default:
		return Reference{}, false
	}
}

func asGUID(value any) (uuid.UUID, bool) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, true
	case string:
		parsed, err := uuid.Parse(strings.TrimSpace(v))
		if err != nil {
			return uuid.Nil, false
		}
		return parsed, true
	default:
		return uuid.Nil, false
	}
}
