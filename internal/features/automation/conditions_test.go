package automation

import (
	"encoding/json"
	"testing"
	"time"

	"go-crm-pipeline/internal/features/lead"
	"go-crm-pipeline/internal/features/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleContext() EvalContext {
	return EvalContext{
		Lead: &lead.Lead{
			ID:             "lead-1",
			Name:           "Ana Torres",
			StageID:        "propuesta",
			StageEnteredAt: evalNow.Add(-72 * time.Hour),
			AssignedTo:     "user-7",
			Tags:           []string{"vip", "madrid"},
			Fields: map[string]interface{}{
				"presupuesto":   15000.0,
				"ciudad":        "Madrid",
				"email":         "ana@example.com",
				"razon_perdida": "  ",
				"fecha_cierre":  "2026-03-10",
				"intereses":     []interface{}{"seguros", "hipoteca"},
				"verificado":    true,
			},
		},
		Stage:  &stage.Stage{ID: "propuesta", Name: "Propuesta", Order: 4, Active: true},
		UserID: "user-7",
		Now:    evalNow,
	}
}

func cond(field string, op Operator, value interface{}, logical LogicalOperator, group string) Condition {
	return Condition{Field: field, Operator: op, Value: Static(value), LogicalOperator: logical, Group: group}
}

func TestConditionEvaluator_Operators(t *testing.T) {
	e := NewConditionEvaluator(NewFunctionRegistry())
	ec := sampleContext()

	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"equals number as string", cond("presupuesto", OperatorEquals, "15000", "", ""), true},
		{"not equals", cond("ciudad", OperatorNotEquals, "Sevilla", "", ""), true},
		{"greater than", cond("presupuesto", OperatorGreaterThan, 10000, "", ""), true},
		{"less than", cond("presupuesto", OperatorLessThan, 10000, "", ""), false},
		{"contains substring", cond("email", OperatorContains, "@example", "", ""), true},
		{"contains list element", cond("intereses", OperatorContains, "hipoteca", "", ""), true},
		{"not contains", cond("intereses", OperatorNotContains, "coches", "", ""), true},
		{"in csv", cond("ciudad", OperatorIn, "Barcelona, Madrid", "", ""), true},
		{"in list", cond("ciudad", OperatorIn, []interface{}{"Valencia"}, "", ""), false},
		{"not in", cond("ciudad", OperatorNotIn, "Barcelona,Valencia", "", ""), true},
		{"regex", cond("email", OperatorRegex, `^[a-z]+@example\.com$`, "", ""), true},
		{"exists", cond("email", OperatorExists, nil, "", ""), true},
		{"blank string does not exist", cond("razon_perdida", OperatorExists, nil, "", ""), false},
		{"not exists on missing", cond("telefono", OperatorNotExists, nil, "", ""), true},
		{"bool equals", cond("verificado", OperatorEquals, "true", "", ""), true},
		{"date equals by day", cond("fecha_cierre", OperatorEquals, "2026-03-10T18:30:00Z", "", ""), true},
		{"days in stage", cond("days_in_stage", OperatorGreaterThan, 2, "", ""), true},
		{"stage attribute", cond("stage.order", OperatorEquals, 4, "", ""), true},
		{"built-in field", cond("assigned_to", OperatorEquals, "user-7", "", ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate([]Condition{tt.c}, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_AbsentFieldIsFalse(t *testing.T) {
	e := NewConditionEvaluator(nil)
	ec := sampleContext()

	for _, op := range []Operator{
		OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan,
		OperatorContains, OperatorNotContains, OperatorIn, OperatorNotIn, OperatorRegex,
	} {
		t.Run(string(op), func(t *testing.T) {
			got, err := e.Evaluate([]Condition{cond("telefono", op, "600", "", "")}, ec)
			require.NoError(t, err)
			assert.False(t, got)
		})
	}
}

func TestConditionEvaluator_Grouping(t *testing.T) {
	ec := sampleContext()
	truthy := func(op LogicalOperator, group string) Condition {
		return cond("ciudad", OperatorEquals, "Madrid", op, group)
	}
	falsy := func(op LogicalOperator, group string) Condition {
		return cond("ciudad", OperatorEquals, "Sevilla", op, group)
	}

	tests := []struct {
		name       string
		conditions []Condition
		mode       GroupingMode
		want       bool
	}{
		{"empty list holds", nil, GroupingTrailing, true},
		{"left fold in a group", []Condition{truthy(LogicalOr, ""), falsy(LogicalAnd, ""), falsy("", "")}, GroupingTrailing, false},
		{"or inside group", []Condition{falsy(LogicalOr, ""), truthy("", "")}, GroupingTrailing, true},
		{
			"trailing operator joins groups",
			[]Condition{truthy(LogicalAnd, "a"), falsy(LogicalOr, "a"), truthy("", "b")},
			GroupingTrailing,
			true,
		},
		{
			"any_or without a later OR ands groups",
			[]Condition{truthy(LogicalAnd, "a"), falsy(LogicalOr, "a"), truthy("", "b")},
			GroupingAnyOr,
			false,
		},
		{
			"any_or with a later OR ors groups",
			[]Condition{falsy("", "a"), falsy(LogicalOr, "b"), truthy("", "b")},
			GroupingAnyOr,
			true,
		},
		{
			"groups are formed by first appearance",
			[]Condition{truthy(LogicalAnd, "a"), falsy("", "b"), truthy("", "a")},
			GroupingTrailing,
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewConditionEvaluator(nil)
			e.Mode = tt.mode
			got, err := e.Evaluate(tt.conditions, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_DynamicValues(t *testing.T) {
	e := NewConditionEvaluator(NewFunctionRegistry())
	ec := sampleContext()
	ec.Lead.Fields["responsable"] = "user-7"
	ec.Lead.Fields["presupuesto_minimo"] = 12000

	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{
			"current user",
			Condition{Field: "responsable", Operator: OperatorEquals, Value: ConditionValue{Source: ValueCurrentUser}},
			true,
		},
		{
			"current date with offset",
			Condition{Field: "fecha_cierre", Operator: OperatorEquals, Value: ConditionValue{Source: ValueCurrentDate, Value: 0}},
			true,
		},
		{
			"lead field",
			Condition{Field: "presupuesto", Operator: OperatorGreaterThan, Value: ConditionValue{Source: ValueLeadField, Field: "presupuesto_minimo"}},
			true,
		},
		{
			"stage field",
			Condition{Field: "stage_id", Operator: OperatorEquals, Value: ConditionValue{Source: ValueStageField, Field: "id"}},
			true,
		},
		{
			"custom function",
			Condition{Field: "days_in_stage", Operator: OperatorGreaterThan, Value: ConditionValue{Source: ValueCustomFunction, Function: "tag_count"}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate([]Condition{tt.c}, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_Errors(t *testing.T) {
	e := NewConditionEvaluator(NewFunctionRegistry())
	ec := sampleContext()

	_, err := e.Evaluate([]Condition{cond("email", OperatorRegex, "([", "", "")}, ec)
	var invalid *ValidationError
	assert.ErrorAs(t, err, &invalid)

	_, err = e.Evaluate([]Condition{{
		Field:    "presupuesto",
		Operator: OperatorEquals,
		Value:    ConditionValue{Source: ValueCustomFunction, Function: "nope"},
	}}, ec)
	var unknown *UnknownFunctionError
	assert.ErrorAs(t, err, &unknown)
}

func TestConditionValue_UnmarshalJSON(t *testing.T) {
	var c Condition
	require.NoError(t, json.Unmarshal([]byte(`{"field":"presupuesto","operator":"greater_than","value":5000}`), &c))
	assert.Equal(t, ValueStatic, c.Value.Source)
	assert.Equal(t, 5000.0, c.Value.Value)

	c = Condition{}
	require.NoError(t, json.Unmarshal([]byte(`{"field":"responsable","operator":"equals","value":{"source":"current_user"}}`), &c))
	assert.Equal(t, ValueCurrentUser, c.Value.Source)

	c = Condition{}
	require.NoError(t, json.Unmarshal([]byte(`{"field":"meta","operator":"equals","value":{"plan":"pro"}}`), &c))
	assert.Equal(t, ValueStatic, c.Value.Source)
	assert.Equal(t, map[string]interface{}{"plan": "pro"}, c.Value.Value)
}
