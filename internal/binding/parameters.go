package binding

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// ParseParameters parses the --parameters flag. Both "Key=Value Key2=Value2"
// and the CloudFormation CLI form "ParameterKey=Key,ParameterValue=Value" are
// accepted; values containing spaces must be quoted.
func ParseParameters(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	tokens, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	params := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, value, err := parseParameter(tok)
		if err != nil {
			return nil, err
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("parameter %s given more than once", key)
		}
		params[key] = value
	}
	return params, nil
}

func parseParameter(tok string) (string, string, error) {
	if strings.HasPrefix(tok, "ParameterKey=") {
		var key, value string
		var hasValue bool
		for _, part := range strings.Split(tok, ",") {
			k, v, _ := strings.Cut(part, "=")
			switch k {
			case "ParameterKey":
				key = v
			case "ParameterValue":
				value, hasValue = v, true
			default:
				return "", "", fmt.Errorf("invalid parameter %q: unknown attribute %s", tok, k)
			}
		}
		if key == "" || !hasValue {
			return "", "", fmt.Errorf("invalid parameter %q: expected ParameterKey=...,ParameterValue=...", tok)
		}
		return key, value, nil
	}

	key, value, found := strings.Cut(tok, "=")
	if !found || key == "" {
		return "", "", fmt.Errorf("invalid parameter %q: expected Key=Value", tok)
	}
	return key, value, nil
}
