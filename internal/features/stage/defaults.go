package stage

// DefaultStages is the sales pipeline installed by the seed command.
func DefaultStages() []Stage {
	return []Stage{
		{ID: "lead_nuevo", Name: "Lead Nuevo", Order: 1, Color: "#94a3b8", Active: true},
		{ID: "contactado", Name: "Contactado", Order: 2, Color: "#60a5fa", Active: true, Rules: []StageRule{
			{ID: "contactado-telefono", Type: RuleRequiredField, Field: "telefono", Active: true},
		}},
		{ID: "calificado", Name: "Calificado", Order: 3, Color: "#818cf8", Active: true, Rules: []StageRule{
			{ID: "calificado-min-time", Type: RuleMinTime, MinDays: 1, Active: true},
		}},
		{ID: "propuesta", Name: "Propuesta", Order: 4, Color: "#f59e0b", Active: true, Rules: []StageRule{
			{ID: "propuesta-presupuesto", Type: RuleRequiredField, Field: "presupuesto", Active: true},
		}},
		{ID: "negociacion", Name: "Negociación", Order: 5, Color: "#f97316", Active: true, Rules: []StageRule{
			{ID: "negociacion-approval", Type: RuleApprovalRequired, Active: false},
		}},
		{ID: "cierre_ganado", Name: "Cierre Ganado", Order: 6, Color: "#22c55e", Active: true},
		{ID: "cierre_perdido", Name: "Cierre Perdido", Order: 6, Color: "#ef4444", Active: true, Rules: []StageRule{
			{ID: "cierre-perdido-razon", Type: RuleRequiredField, Field: "razon_perdida", Active: true},
		}},
	}
}
