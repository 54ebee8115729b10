package matcher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/conduit/pkg/models"
)

// Resolve walks a dotted path through a JSON document. Numeric segments index
// into arrays. The second result is false when the path is undefined.
func Resolve(doc map[string]any, path string) (any, bool) {
	var current any = doc

	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}

	return current, true
}

// Evaluate reports whether every filter holds for the document. No filters
// means a match. A malformed filter is a configuration error.
func Evaluate(filters []models.AutomationFilter, doc map[string]any) (bool, error) {
	for i, filter := range filters {
		ok, err := EvaluateFilter(filter, doc)
		if err != nil {
			return false, fmt.Errorf("filters[%d]: %w", i, err)
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func EvaluateFilter(filter models.AutomationFilter, doc map[string]any) (bool, error) {
	if err := filter.Validate(); err != nil {
		return false, err
	}

	actual, defined := Resolve(doc, filter.Field)
	if !defined {
		switch filter.Operator {
		case models.OperatorNotEquals, models.OperatorNotIn:
			return filter.Value != nil, nil
		default:
			return false, nil
		}
	}

	switch filter.Operator {
	case models.OperatorEquals:
		return looseEqual(actual, filter.Value), nil
	case models.OperatorNotEquals:
		return !looseEqual(actual, filter.Value), nil
	case models.OperatorContains:
		return contains(actual, filter.Value), nil
	case models.OperatorNotContains:
		return !contains(actual, filter.Value), nil
	case models.OperatorGreaterThan, models.OperatorLessThan:
		left, leftOK := models.ToNumber(actual)
		right, rightOK := models.ToNumber(filter.Value)

		if !leftOK || !rightOK {
			return false, nil
		}

		if filter.Operator == models.OperatorGreaterThan {
			return left > right, nil
		}

		return left < right, nil
	case models.OperatorIn:
		return inList(actual, filter.Value), nil
	case models.OperatorNotIn:
		return !inList(actual, filter.Value), nil
	default:
		return false, nil
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

// looseEqual compares numerically when either side is a number and both
// coerce, and by string form otherwise.
func looseEqual(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		left, leftOK := models.ToNumber(a)
		right, rightOK := models.ToNumber(b)

		if leftOK && rightOK {
			return left == right
		}
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(actual, value any) bool {
	if items, ok := actual.([]any); ok {
		for _, item := range items {
			if looseEqual(item, value) {
				return true
			}
		}

		return false
	}

	return strings.Contains(strings.ToLower(fmt.Sprint(actual)), strings.ToLower(fmt.Sprint(value)))
}

func inList(actual, value any) bool {
	list, ok := models.ToList(value)
	if !ok {
		return false
	}

	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}

	return false
}
