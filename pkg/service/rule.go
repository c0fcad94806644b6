package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
)

// EvaluateRule evaluates a comparison of the form "<field> <op> <value>"
// against the instance payload, e.g. "days > 10" or "department == 'sales'".
// Supported operators: ==, !=, >, >=, <, <=. Numbers compare numerically,
// everything else as strings. The field must exist in the payload.
func EvaluateRule(rule string, payload models.Payload) (bool, error) {
	field, op, rawValue, err := splitRule(rule)
	if err != nil {
		return false, err
	}

	actual, ok := payload[field]
	if !ok {
		return false, fmt.Errorf("rule field %q not present in payload", field)
	}

	if leftNum, lok := toNumber(actual); lok {
		if rightNum, rok := toNumber(rawValue); rok {
			return compareNumbers(leftNum, op, rightNum)
		}
	}

	left := fmt.Sprintf("%v", actual)
	right := strings.Trim(rawValue, `'"`)
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands", op)
	}
}

// splitRule tokenizes the rule. Operators are matched longest-first so ">="
// is not read as ">".
func splitRule(rule string) (field, op, value string, err error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", "", "", fmt.Errorf("empty rule")
	}
	for _, candidate := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(rule, candidate)
		if idx <= 0 {
			continue
		}
		field = strings.TrimSpace(rule[:idx])
		value = strings.TrimSpace(rule[idx+len(candidate):])
		if field == "" || value == "" {
			return "", "", "", fmt.Errorf("malformed rule %q", rule)
		}
		return field, candidate, value, nil
	}
	return "", "", "", fmt.Errorf("no comparison operator in rule %q", rule)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(left float64, op string, right float64) (bool, error) {
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case ">":
		return left > right, nil
	case ">=":
		return left >= right, nil
	case "<":
		return left < right, nil
	case "<=":
		return left <= right, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
