package tools

import (
	"fmt"
	"strconv"
)

// JSON numbers arrive as float64; clients sometimes send them as strings

func intParam(params map[string]interface{}, name string) (int64, bool, error) {
	switch v := params[name].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int64(v), true, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("invalid %s: %v", name, v)
	}
}

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return s
}

func requiredString(params map[string]interface{}, name string) (string, error) {
	s := stringParam(params, name)
	if s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

func boolParam(params map[string]interface{}, name string, def bool) (bool, error) {
	switch v := params[name].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", name, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("invalid %s: %v", name, v)
	}
}

func messageID(params map[string]interface{}) (uint32, bool, error) {
	id, ok, err := intParam(params, "id")
	if err != nil || !ok {
		return 0, ok, err
	}
	if id <= 0 || id > int64(^uint32(0)) {
		return 0, false, fmt.Errorf("invalid id: %d", id)
	}
	return uint32(id), true, nil
}
