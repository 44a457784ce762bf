package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }

func testExecContext(t *testing.T, entities *fakeEntityStore, formats *fakeFormatClient) *ExecContext {
	return &ExecContext{
		WorkflowID: 1,
		RunID:      "run-1",
		StepIndex:  0,
		Entities:   entities,
		Formats:    formats,
		Logger:     zaptest.NewLogger(t),
	}
}

func TestExecuteStepTriggerForwards(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	ec := testExecContext(t, newFakeEntityStore(), newFakeFormatClient())

	step := dsl.Step{
		From: dsl.FromDef{Type: dsl.FromTrigger},
		Transform: dsl.TransformDef{
			Type:      dsl.TransformConcat,
			Target:    "greeting",
			Left:      dsl.Operand{ConstString: sptr("hello")},
			Right:     dsl.Operand{ConstString: sptr("world")},
			Separator: " ",
		},
		To: dsl.ToDef{Type: dsl.ToNextStep},
	}

	outputs, err := executor.ExecuteStep(context.Background(), step, nil, ec)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputForward, outputs[0].Kind)

	v, ok := outputs[0].Record.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello world", v)
}

func TestExecuteStepPreviousStepProjection(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	ec := testExecContext(t, newFakeEntityStore(), newFakeFormatClient())

	input := dsl.NewRecord()
	input.Set("amount", 42.0)
	input.Set("noise", "dropped")

	step := dsl.Step{
		From: dsl.FromDef{
			Type:    dsl.FromPreviousStep,
			Mapping: map[string]string{"amount": "value"},
		},
		To: dsl.ToDef{Type: dsl.ToNextStep},
	}

	outputs, err := executor.ExecuteStep(context.Background(), step, input, ec)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	rec := outputs[0].Record
	assert.Equal(t, []string{"value"}, rec.Fields())
	v, _ := rec.Get("value")
	assert.Equal(t, 42.0, v)
}

func TestExecuteStepPreviousStepWithoutInput(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	ec := testExecContext(t, newFakeEntityStore(), newFakeFormatClient())

	step := dsl.Step{
		From: dsl.FromDef{Type: dsl.FromPreviousStep},
		To:   dsl.ToDef{Type: dsl.ToNextStep},
	}

	_, err := executor.ExecuteStep(context.Background(), step, nil, ec)
	assert.Error(t, err)
}

func TestExecuteStepEntitySink(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	entities := newFakeEntityStore()
	ec := testExecContext(t, entities, newFakeFormatClient())

	input := dsl.NewRecord()
	input.Set("price", 100.0)

	step := dsl.Step{
		From: dsl.FromDef{Type: dsl.FromPreviousStep},
		Transform: dsl.TransformDef{
			Type:     dsl.TransformArithmetic,
			Target:   "total",
			Left:     dsl.Operand{Field: "price"},
			Operator: dsl.OperatorMul,
			Right:    dsl.Operand{Const: fptr(2)},
		},
		To: dsl.ToDef{
			Type:       dsl.ToEntity,
			EntityType: "invoice",
			WriteMode:  dsl.WriteCreateOrUpdate,
			IdentifyBy: "price",
		},
	}

	outputs, err := executor.ExecuteStep(context.Background(), step, input, ec)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, OutputEntityWritten, outputs[0].Kind)
	assert.NotEmpty(t, outputs[0].EntityID)

	writes := entities.written()
	require.Len(t, writes, 1)
	assert.Equal(t, "invoice", writes[0].EntityType)
	assert.Equal(t, dsl.WriteCreateOrUpdate, writes[0].Mode)
	assert.Equal(t, "price", writes[0].IdentifyBy)
	assert.Equal(t, 200.0, writes[0].Record["total"])
}

func TestExecuteStepRecordFailureDoesNotAbortBatch(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	formats := newFakeFormatClient()
	formats.uris["https://example.com/data"] = []byte(`[{"price":"100"},{"price":"abc"},{"price":50}]`)
	ec := testExecContext(t, newFakeEntityStore(), formats)

	step := dsl.Step{
		From: dsl.FromDef{
			Type:   dsl.FromFormat,
			Source: dsl.SourceURI,
			URI:    "https://example.com/data",
			Format: dsl.FormatJSON,
		},
		Transform: dsl.TransformDef{
			Type:     dsl.TransformArithmetic,
			Target:   "doubled",
			Left:     dsl.Operand{Field: "price"},
			Operator: dsl.OperatorMul,
			Right:    dsl.Operand{Const: fptr(2)},
		},
		To: dsl.ToDef{Type: dsl.ToNextStep},
	}

	outputs, err := executor.ExecuteStep(context.Background(), step, nil, ec)
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	assert.Equal(t, OutputForward, outputs[0].Kind)
	assert.Equal(t, OutputFailed, outputs[1].Kind)
	assert.Equal(t, OutputForward, outputs[2].Kind)

	var castErr *dsl.TypeCastError
	require.ErrorAs(t, outputs[1].Err, &castErr)

	v, _ := outputs[0].Record.Get("doubled")
	assert.Equal(t, 200.0, v)
	v, _ = outputs[2].Record.Get("doubled")
	assert.Equal(t, 100.0, v)
}

func TestExecuteStepFormatSinkEmitsOneDocument(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	formats := newFakeFormatClient()
	formats.uris["https://example.com/rows"] = []byte(`[{"a":1},{"a":2},{"a":3}]`)
	ec := testExecContext(t, newFakeEntityStore(), formats)

	step := dsl.Step{
		From: dsl.FromDef{
			Type:   dsl.FromFormat,
			Source: dsl.SourceURI,
			URI:    "https://example.com/rows",
			Format: dsl.FormatJSON,
		},
		To: dsl.ToDef{
			Type:   dsl.ToFormat,
			Mode:   dsl.OutputAPI,
			Format: dsl.FormatCSV,
		},
	}

	outputs, err := executor.ExecuteStep(context.Background(), step, nil, ec)
	require.NoError(t, err)
	assert.Len(t, outputs, 3)
	for _, out := range outputs {
		assert.Equal(t, OutputEmitted, out.Kind)
	}

	emits := formats.emitted()
	require.Len(t, emits, 1)
	assert.Len(t, emits[0].Records, 3)
	assert.Equal(t, dsl.FormatCSV, emits[0].Format)
	assert.Equal(t, dsl.OutputAPI, emits[0].Mode)
}

func TestExecuteStepPassesFetchRetryBudget(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	entities := newFakeEntityStore()
	entities.rows["invoice"] = []map[string]interface{}{{"price": 1.0}}
	formats := newFakeFormatClient()
	formats.uris["https://example.com/data"] = []byte(`[{"price":100}]`)

	ec := testExecContext(t, entities, formats)
	ec.FetchRetries = 7

	uriStep := dsl.Step{
		From: dsl.FromDef{
			Type:   dsl.FromFormat,
			Source: dsl.SourceURI,
			URI:    "https://example.com/data",
			Format: dsl.FormatJSON,
		},
		To: dsl.ToDef{Type: dsl.ToNextStep},
	}
	_, err := executor.ExecuteStep(context.Background(), uriStep, nil, ec)
	require.NoError(t, err)

	entityStep := dsl.Step{
		From: dsl.FromDef{Type: dsl.FromEntity, EntityType: "invoice"},
		To:   dsl.ToDef{Type: dsl.ToNextStep},
	}
	_, err = executor.ExecuteStep(context.Background(), entityStep, nil, ec)
	require.NoError(t, err)

	assert.Equal(t, []int{7}, formats.fetchRetryBudgets())
	assert.Equal(t, []int{7}, entities.readRetryBudgets())
}

func TestExecuteStepSourceFailureIsStepLevel(t *testing.T) {
	executor := NewExecutor(zaptest.NewLogger(t))
	formats := newFakeFormatClient()
	ec := testExecContext(t, newFakeEntityStore(), formats)

	step := dsl.Step{
		From: dsl.FromDef{
			Type:   dsl.FromFormat,
			Source: dsl.SourceURI,
			URI:    "https://example.com/missing",
			Format: dsl.FormatJSON,
		},
		To: dsl.ToDef{Type: dsl.ToNextStep},
	}

	_, err := executor.ExecuteStep(context.Background(), step, nil, ec)
	require.Error(t, err)
}
