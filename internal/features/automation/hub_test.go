package automation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestExecutionHub_FiltersByRule(t *testing.T) {
	hub := NewExecutionHub()
	all, cancelAll := hub.Subscribe("", 4)
	one, cancelOne := hub.Subscribe("rule-a", 4)
	assert.Equal(t, 2, hub.Subscribers())

	hub.Publish(&Execution{ID: primitive.NewObjectID(), RuleID: "rule-a", Status: ExecutionRunning})
	hub.Publish(&Execution{ID: primitive.NewObjectID(), RuleID: "rule-b", Status: ExecutionCompleted})

	assert.Len(t, all, 2)
	require.Len(t, one, 1)
	u := <-one
	assert.Equal(t, "rule-a", u.RuleID)
	assert.Equal(t, ExecutionRunning, u.Status)

	cancelOne()
	cancelOne()
	cancelAll()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestExecutionHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewExecutionHub()
	ch, cancel := hub.Subscribe("", 1)
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Publish(&Execution{ID: primitive.NewObjectID()})
	}
	assert.Len(t, ch, 1)
}

func TestExecutionsWorkbook(t *testing.T) {
	execs := []Execution{{
		ID:       primitive.NewObjectID(),
		RuleID:   "r1",
		RuleName: "Bienvenida",
		LeadID:   "lead-1",
		Status:   ExecutionFailed,
		Error:    "boom",
		Results: []ActionResult{
			{Status: ActionCompleted},
			{Status: ActionFailed},
			{Status: ActionSkipped},
		},
	}}

	data, err := executionsWorkbook(execs)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Executions")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Execution ID", rows[0][0])
	assert.Equal(t, "Bienvenida", rows[1][2])
	assert.Equal(t, "failed", rows[1][5])
	assert.Equal(t, []string{"3", "1", "1", "1", "boom"}, rows[1][6:11])
}
