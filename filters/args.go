package filters

import "fmt"

func StringArg(x interface{}) (string, error) {
	if s, ok := x.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("%v is not a string", x)
}

// DocumentArg accepts a JSON or YAML document passed as string or
// bytes.
func DocumentArg(x interface{}) ([]byte, error) {
	switch d := x.(type) {
	case string:
		return []byte(d), nil
	case []byte:
		return d, nil
	default:
		return nil, fmt.Errorf("%v is not a document", x)
	}
}
