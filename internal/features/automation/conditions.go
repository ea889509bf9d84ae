package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/stage"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EvalContext is what conditions and functions can see about one firing.
type EvalContext struct {
	Lead   *lead.Lead
	Stage  *stage.Stage
	UserID string
	Now    time.Time
}

// GroupingMode selects how condition groups are joined.
type GroupingMode string

const (
	// GroupingTrailing joins each group to the next with the last operator of the earlier group.
	GroupingTrailing GroupingMode = "trailing"
	// GroupingAnyOr ORs all groups when any condition after the first group says OR, else ANDs them.
	GroupingAnyOr GroupingMode = "any_or"
)

type ConditionEvaluator struct {
	Functions *FunctionRegistry
	Mode      GroupingMode

	regexCache sync.Map
}

func NewConditionEvaluator(functions *FunctionRegistry) *ConditionEvaluator {
	return &ConditionEvaluator{Functions: functions, Mode: GroupingTrailing}
}

type conditionGroup struct {
	name       string
	conditions []Condition
}

// Evaluate reports whether the conditions hold. An empty list always holds.
func (e *ConditionEvaluator) Evaluate(conditions []Condition, ec EvalContext) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	groups := partition(conditions)
	results := make([]bool, len(groups))
	for i, g := range groups {
		ok, err := e.evaluateGroup(g.conditions, ec)
		if err != nil {
			return false, err
		}
		results[i] = ok
	}

	if e.Mode == GroupingAnyOr {
		useOr := false
		for _, g := range groups[1:] {
			for _, c := range g.conditions {
				if isOr(c.LogicalOperator) {
					useOr = true
				}
			}
		}
		out := results[0]
		for _, r := range results[1:] {
			out = combine(out, r, useOr)
		}
		return out, nil
	}

	out := results[0]
	for i := 1; i < len(groups); i++ {
		prev := groups[i-1].conditions
		out = combine(out, results[i], isOr(prev[len(prev)-1].LogicalOperator))
	}
	return out, nil
}

func (e *ConditionEvaluator) evaluateGroup(conditions []Condition, ec EvalContext) (bool, error) {
	out, err := e.evaluateOne(conditions[0], ec)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(conditions); i++ {
		ok, err := e.evaluateOne(conditions[i], ec)
		if err != nil {
			return false, err
		}
		out = combine(out, ok, isOr(conditions[i-1].LogicalOperator))
	}
	return out, nil
}

func partition(conditions []Condition) []conditionGroup {
	var groups []conditionGroup
	index := make(map[string]int)
	for _, c := range conditions {
		i, ok := index[c.Group]
		if !ok {
			i = len(groups)
			index[c.Group] = i
			groups = append(groups, conditionGroup{name: c.Group})
		}
		groups[i].conditions = append(groups[i].conditions, c)
	}
	return groups
}

func isOr(op LogicalOperator) bool {
	return strings.EqualFold(string(op), string(LogicalOr))
}

func combine(a, b, or bool) bool {
	if or {
		return a || b
	}
	return a && b
}

func (e *ConditionEvaluator) evaluateOne(c Condition, ec EvalContext) (bool, error) {
	actual, present := resolveField(c.Field, ec)
	if present && lead.IsEmpty(actual) {
		present = false
	}

	switch c.Operator {
	case OperatorExists:
		return present, nil
	case OperatorNotExists:
		return !present, nil
	}
	if !present {
		return false, nil
	}

	expected, err := e.resolveValue(c.Value, ec)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case OperatorEquals:
		return looseEqual(actual, expected), nil
	case OperatorNotEquals:
		return !looseEqual(actual, expected), nil
	case OperatorGreaterThan:
		cmp, ok := compare(actual, expected)
		return ok && cmp > 0, nil
	case OperatorLessThan:
		cmp, ok := compare(actual, expected)
		return ok && cmp < 0, nil
	case OperatorContains:
		return contains(actual, expected), nil
	case OperatorNotContains:
		return !contains(actual, expected), nil
	case OperatorIn:
		return in(actual, expected), nil
	case OperatorNotIn:
		return !in(actual, expected), nil
	case OperatorRegex:
		re, err := e.compileRegex(stringify(expected))
		if err != nil {
			return false, err
		}
		return re.MatchString(stringify(actual)), nil
	}
	return false, &ValidationError{Field: "operator", Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
}

func (e *ConditionEvaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &ValidationError{Field: "value", Reason: fmt.Sprintf("invalid regex %q: %v", pattern, err)}
	}
	e.regexCache.Store(pattern, re)
	return re, nil
}

func (e *ConditionEvaluator) resolveValue(v ConditionValue, ec EvalContext) (interface{}, error) {
	switch v.Source {
	case "", ValueStatic:
		return v.Value, nil
	case ValueCurrentUser:
		return ec.UserID, nil
	case ValueCurrentDate:
		now := ec.Now
		if days, ok := toFloat(v.Value); ok {
			now = now.Add(time.Duration(days * float64(24*time.Hour)))
		}
		return now, nil
	case ValueLeadField:
		name := v.Field
		if name == "" {
			name = stringify(v.Value)
		}
		out, _ := resolveField(name, ec)
		return out, nil
	case ValueStageField:
		name := v.Field
		if name == "" {
			name = stringify(v.Value)
		}
		out, _ := stageField(ec.Stage, name)
		return out, nil
	case ValueCustomFunction:
		if e.Functions == nil {
			return nil, &UnknownFunctionError{Name: v.Function}
		}
		return e.Functions.Call(v.Function, ec, v.Value)
	}
	return nil, &ValidationError{Field: "value.source", Reason: fmt.Sprintf("unsupported source %q", v.Source)}
}

// resolveField looks a name up on the lead. "days_in_stage" and "stage.<attr>" are computed.
func resolveField(name string, ec EvalContext) (interface{}, bool) {
	if name == "days_in_stage" {
		if ec.Lead == nil {
			return nil, false
		}
		return ec.Lead.DaysInStage(ec.Now), true
	}
	if rest, ok := strings.CutPrefix(name, "stage."); ok {
		return stageField(ec.Stage, rest)
	}
	v, ok := ec.Lead.Field(name)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func stageField(s *stage.Stage, name string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case "id":
		return s.ID, true
	case "name":
		return s.Name, true
	case "order":
		return s.Order, true
	case "active":
		return s.Active, true
	case "color":
		return s.Color, s.Color != ""
	case "description":
		return s.Description, s.Description != ""
	case "current":
		return s.Metrics.Current, true
	case "entered":
		return s.Metrics.Entered, true
	case "avg_dwell_hours", "avgDwellHours":
		return s.Metrics.AvgDwellHours, true
	case "conversion_rate", "conversionRate":
		return s.Metrics.ConversionRate, true
	}
	return nil, false
}

func looseEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			ya, ma, da := ta.UTC().Date()
			yb, mb, db := tb.UTC().Date()
			return ya == yb && ma == mb && da == db
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, err := strconv.ParseBool(stringify(b)); err == nil {
			return ba == bb
		}
	}
	return stringify(a) == stringify(b)
}

// compare orders numbers, then times, then strings. ok is false when b is nil.
func compare(a, b interface{}) (int, bool) {
	if b == nil {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

func contains(actual, expected interface{}) bool {
	if items, ok := asSlice(actual); ok {
		for _, item := range items {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(actual), stringify(expected))
}

func in(actual, expected interface{}) bool {
	set, ok := asSlice(expected)
	if !ok {
		for _, part := range strings.Split(stringify(expected), ",") {
			set = append(set, strings.TrimSpace(part))
		}
	}
	values, isSlice := asSlice(actual)
	if !isSlice {
		values = []interface{}{actual}
	}
	for _, v := range values {
		for _, s := range set {
			if looseEqual(v, s) {
				return true
			}
		}
	}
	return false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []interface{}:
		return val, true
	case primitive.A:
		return val, true
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case primitive.DateTime:
		return t.Time(), true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
