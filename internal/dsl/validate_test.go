package dsl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triggerStep(to ToDef) Step {
	return Step{
		From: FromDef{Type: FromTrigger},
		To:   to,
	}
}

func entitySink() ToDef {
	return ToDef{Type: ToEntity, EntityType: "product", WriteMode: WriteCreate}
}

func requireViolations(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Violations)
	return verr
}

func hasViolation(verr *ValidationError, pathFragment string) bool {
	for _, v := range verr.Violations {
		if strings.Contains(v.Path, pathFragment) {
			return true
		}
	}
	return false
}

func TestValidate_EmptySequence(t *testing.T) {
	verr := requireViolations(t, Validate(nil))
	assert.True(t, hasViolation(verr, "steps"))
}

func TestValidate_PreviousStepAtIndexZero(t *testing.T) {
	steps := []Step{{
		From: FromDef{Type: FromPreviousStep},
		To:   entitySink(),
	}}
	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "steps[0].from.type"))
}

func TestValidate_NextStepAtLastIndex(t *testing.T) {
	steps := []Step{
		triggerStep(ToDef{Type: ToNextStep}),
		{
			From: FromDef{Type: FromPreviousStep},
			To:   ToDef{Type: ToNextStep},
		},
	}
	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "steps[1].to.type"))
}

func TestValidate_SingleTriggerStepPasses(t *testing.T) {
	steps := []Step{triggerStep(entitySink())}
	assert.NoError(t, Validate(steps))
}

func TestValidate_TriggerAtIndexOneRejected(t *testing.T) {
	steps := []Step{
		triggerStep(ToDef{Type: ToNextStep}),
		{
			From: FromDef{Type: FromTrigger},
			To:   entitySink(),
		},
	}
	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "steps[1].from.type"))
}

func TestValidate_FieldNameGrammar(t *testing.T) {
	steps := []Step{{
		From: FromDef{
			Type:    FromFormat,
			Source:  SourceAPI,
			Format:  FormatJSON,
			Mapping: map[string]string{"src field": "dst!"},
		},
		Transform: TransformDef{
			Type:     TransformArithmetic,
			Target:   "9bad",
			Left:     Operand{Field: "also bad"},
			Right:    Operand{Const: f(1)},
			Operator: OperatorAdd,
		},
		To: entitySink(),
	}}

	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "from.mapping"))
	assert.True(t, hasViolation(verr, "transform.target"))
	assert.True(t, hasViolation(verr, "transform.left.field"))
}

func TestValidate_OperandKindCompatibility(t *testing.T) {
	steps := []Step{{
		From: FromDef{Type: FromTrigger},
		Transform: TransformDef{
			Type:     TransformArithmetic,
			Target:   "total",
			Left:     Operand{ConstString: s("not a number")},
			Right:    Operand{},
			Operator: "pow",
		},
		To: entitySink(),
	}}

	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "transform.left.const_string"))
	assert.True(t, hasViolation(verr, "transform.right"))
	assert.True(t, hasViolation(verr, "transform.operator"))
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	// One broken from, one broken transform, one broken to: all three
	// must show up in a single report.
	steps := []Step{
		{
			From: FromDef{Type: FromPreviousStep},
			Transform: TransformDef{
				Type:   TransformConcat,
				Target: "bad name",
				Left:   Operand{Field: "a"},
				Right:  Operand{Field: "b"},
			},
			To: ToDef{Type: ToNextStep},
		},
	}

	verr := requireViolations(t, Validate(steps))
	assert.GreaterOrEqual(t, len(verr.Violations), 3)
}

func TestValidate_EntitySinkRules(t *testing.T) {
	steps := []Step{triggerStep(ToDef{
		Type:      ToEntity,
		WriteMode: WriteUpdate,
	})}

	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "to.entity_type"))
	assert.True(t, hasViolation(verr, "to.identify_by"))
}

func TestValidate_PushSinkRequiresURI(t *testing.T) {
	steps := []Step{triggerStep(ToDef{
		Type:   ToFormat,
		Mode:   OutputPush,
		Format: FormatJSON,
	})}

	verr := requireViolations(t, Validate(steps))
	assert.True(t, hasViolation(verr, "to.push_uri"))
}
