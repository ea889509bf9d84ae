package lead

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  bool
	}{
		{name: "nil", value: nil, want: true},
		{name: "blank string", value: "   ", want: true},
		{name: "string", value: "+34 600", want: false},
		{name: "empty slice", value: []string{}, want: true},
		{name: "slice", value: []interface{}{"a"}, want: false},
		{name: "empty map", value: map[string]interface{}{}, want: true},
		{name: "zero number", value: 0, want: false},
		{name: "false", value: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEmpty(tt.value))
		})
	}
}

func TestLead_FieldPrefersCustomFields(t *testing.T) {
	l := &Lead{
		ID:       "l1",
		StageID:  "lead_nuevo",
		Priority: "high",
		Fields:   map[string]interface{}{"priority": "custom", "telefono": ""},
	}

	v, ok := l.Field("priority")
	require.True(t, ok)
	assert.Equal(t, "custom", v)

	v, ok = l.Field("stage_id")
	require.True(t, ok)
	assert.Equal(t, "lead_nuevo", v)

	_, ok = l.Field("missing")
	assert.False(t, ok)

	assert.False(t, l.HasValue("telefono"))
}

func TestLead_CloneIsIndependent(t *testing.T) {
	l := &Lead{ID: "l1", Fields: map[string]interface{}{"a": 1}, Tags: []string{"vip"}}
	c := l.Clone()
	c.SetField("a", 2)
	c.Tags[0] = "cold"

	assert.Equal(t, 1, l.Fields["a"])
	assert.Equal(t, "vip", l.Tags[0])
}

func TestMemoryLeadRepository_StageAndFields(t *testing.T) {
	repo := NewMemoryLeadRepository()
	ctx := context.Background()

	l := &Lead{Name: "Ana", StageID: "lead_nuevo"}
	require.NoError(t, repo.Create(ctx, l))
	require.NotEmpty(t, l.ID)

	entered := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetStage(ctx, l.ID, "contactado", entered))
	require.NoError(t, repo.UpdateFields(ctx, l.ID, map[string]interface{}{"telefono": "600"}))

	got, err := repo.GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "contactado", got.StageID)
	assert.Equal(t, entered, got.StageEnteredAt)
	assert.Equal(t, "600", got.Fields["telefono"])

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrLeadNotFound)
	assert.ErrorIs(t, repo.SetStage(ctx, "nope", "x", entered), ErrLeadNotFound)

	list, err := repo.List(ctx, Filter{StageID: "contactado"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
