package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Lead Nuevo", want: "lead_nuevo"},
		{in: "Negociación", want: "negociacion"},
		{in: "  Cierre  Perdido! ", want: "cierre_perdido"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StageKey(tt.in))
		})
	}
}
