package policy

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Operators understood by Condition.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpEmpty       = "empty"
	OpNotEmpty    = "not_empty"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpRegex       = "regex"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpTrue        = "true"
	OpFalse       = "false"
)

// Condition is the compliant predicate of a policy: the property value is
// compliant when the condition holds.
type Condition struct {
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value,omitempty"`
	Values   []string    `yaml:"values,omitempty"`

	re  *regexp.Regexp
	num float64
}

func (c *Condition) compile() error {
	switch c.Operator {
	case OpEmpty, OpNotEmpty, OpTrue, OpFalse:
	case OpEquals, OpNotEquals, OpContains, OpNotContains:
		if c.Value == nil {
			return fmt.Errorf("operator %s needs a value", c.Operator)
		}
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("operator %s needs values", c.Operator)
		}
	case OpRegex:
		re, err := regexp.Compile(stringify(c.Value))
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		c.re = re
	case OpGreaterThan, OpLessThan:
		n, ok := toNumber(c.Value)
		if !ok {
			return fmt.Errorf("operator %s needs a numeric value", c.Operator)
		}
		c.num = n
	case "":
		return fmt.Errorf("condition has no operator")
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// Evaluate reports whether v satisfies the condition. present is false
// when the property does not exist; only the empty operator holds then.
func (c *Condition) Evaluate(v interface{}, present bool) bool {
	if !present {
		return c.Operator == OpEmpty
	}

	switch c.Operator {
	case OpEmpty:
		return isEmpty(v)
	case OpNotEmpty:
		return !isEmpty(v)
	case OpEquals:
		return strings.EqualFold(stringify(v), stringify(c.Value))
	case OpNotEquals:
		return !strings.EqualFold(stringify(v), stringify(c.Value))
	case OpContains:
		return contains(v, stringify(c.Value))
	case OpNotContains:
		return !contains(v, stringify(c.Value))
	case OpIn:
		s := stringify(v)
		for _, allowed := range c.Values {
			if strings.EqualFold(s, allowed) {
				return true
			}
		}
		return false
	case OpRegex:
		return c.re != nil && c.re.MatchString(stringify(v))
	case OpGreaterThan:
		n, ok := toNumber(v)
		return ok && n > c.num
	case OpLessThan:
		n, ok := toNumber(v)
		return ok && n < c.num
	case OpTrue:
		b, ok := toBool(v)
		return ok && b
	case OpFalse:
		b, ok := toBool(v)
		return ok && !b
	}
	return false
}

// String renders the condition for finding descriptions.
func (c *Condition) String() string {
	switch c.Operator {
	case OpEmpty, OpNotEmpty, OpTrue, OpFalse:
		return "is " + strings.ReplaceAll(c.Operator, "_", " ")
	case OpIn:
		return "is one of [" + strings.Join(c.Values, ", ") + "]"
	default:
		return strings.ReplaceAll(c.Operator, "_", " ") + " " + stringify(c.Value)
	}
}

// contains matches list elements exactly and strings by substring,
// ignoring case.
func contains(v interface{}, want string) bool {
	if list, ok := v.([]interface{}); ok {
		for _, item := range list {
			if strings.EqualFold(stringify(item), want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(v)), strings.ToLower(want))
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

// stringify renders scalars the way they appear in YAML.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return n, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	}
	return false, false
}
