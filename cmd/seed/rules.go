package main

import "go-crm-pipeline/internal/features/automation"

func sampleRules() []automation.AutomationRule {
	return []automation.AutomationRule{
		{
			Name:        "Seguimiento de propuesta",
			Description: "Crea una tarea y avisa al lead al entrar en Propuesta",
			Active:      true,
			Priority:    8,
			Trigger:     automation.Trigger{Type: automation.TriggerStageChange, ToStageID: "propuesta"},
			Actions: []automation.Action{
				{Type: automation.ActionCreateTask, Config: map[string]interface{}{
					"title":    "Enviar propuesta a {{name}}",
					"dueInDays": 2,
					"priority": "high",
				}},
				{Type: automation.ActionSendEmail, ContinueOnError: true, RetryCount: 2, RetryDelayMinutes: 5, Config: map[string]interface{}{
					"subject": "Tu propuesta está en camino",
					"body":    "Hola {{name}}, estamos preparando tu propuesta.",
				}},
			},
			Settings: automation.Settings{MaxExecutionsPerLead: 1},
		},
		{
			Name:        "Lead sin contactar",
			Description: "Recordatorio si el lead sigue en Lead Nuevo tres días después de crearse",
			Active:      true,
			Priority:    5,
			Trigger: automation.Trigger{
				Type:        automation.TriggerTimeBased,
				AnchorEvent: automation.TriggerLeadCreated,
				Schedule:    &automation.Schedule{Type: automation.ScheduleDelay, DelayDays: 3},
			},
			Conditions: []automation.Condition{
				{Field: "stage_id", Operator: automation.OperatorEquals, Value: automation.Static("lead_nuevo")},
			},
			Actions: []automation.Action{
				{Type: automation.ActionSendNotification, Config: map[string]interface{}{
					"recipients": []interface{}{"assigned_to"},
					"title":      "Lead sin contactar",
					"message":    "{{name}} lleva tres días sin contacto",
				}},
			},
		},
		{
			Name:        "Revisión semanal de negociaciones",
			Description: "Cada lunes a las 9:00 deja una nota en los leads en Negociación",
			Active:      true,
			Priority:    3,
			Trigger: automation.Trigger{
				Type:     automation.TriggerTimeBased,
				StageID:  "negociacion",
				Schedule: &automation.Schedule{Type: automation.ScheduleCron, Expression: "0 9 * * 1", Timezone: "Europe/Madrid"},
			},
			Actions: []automation.Action{
				{Type: automation.ActionCreateNote, Config: map[string]interface{}{
					"content": "Revisión semanal: {{name}} sigue en negociación",
				}},
			},
			Settings: automation.Settings{AllowedDays: []string{"monday"}},
		},
		{
			Name:        "Cualificar presupuestos altos",
			Description: "Pasa a Calificado los leads contactados con presupuesto alto",
			Active:      false,
			Priority:    6,
			Trigger:     automation.Trigger{Type: automation.TriggerFieldUpdate, Field: "presupuesto"},
			Conditions: []automation.Condition{
				{Field: "stage_id", Operator: automation.OperatorEquals, Value: automation.Static("contactado")},
				{Field: "presupuesto", Operator: automation.OperatorGreaterThan, Value: automation.Static(10000), LogicalOperator: automation.LogicalAnd},
			},
			Actions: []automation.Action{
				{Type: automation.ActionMoveStage, Config: map[string]interface{}{"targetStageId": "calificado"}},
				{Type: automation.ActionUpdateField, Config: map[string]interface{}{"field": "priority", "value": "high"}},
			},
			Settings: automation.Settings{
				MaxExecutionsPerDay: 50,
				AllowedHours:        &automation.AllowedHours{Start: "08:00", End: "20:00"},
				Timezone:            "Europe/Madrid",
			},
		},
	}
}
