package dsl

import "fmt"

// Validate performs every static check over a step sequence and returns a
// *ValidationError carrying all violations, or nil when the sequence is
// well formed. It never short-circuits: a user-facing report can show all
// problems at once. Value-level type correctness is data-dependent and
// deferred to execution.
func Validate(steps []Step) error {
	var violations []Violation

	if len(steps) == 0 {
		violations = append(violations, Violation{
			Path:    "steps",
			Message: "workflow must contain at least one step",
		})
		return &ValidationError{Violations: violations}
	}

	last := len(steps) - 1
	for i, step := range steps {
		path := fmt.Sprintf("steps[%d]", i)

		violations = append(violations, validateFrom(path, i, step.From)...)
		violations = append(violations, validateTransform(path, step.Transform)...)
		violations = append(violations, validateTo(path, i, last, step.To)...)
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func validateFrom(path string, index int, from FromDef) []Violation {
	var out []Violation
	p := path + ".from"

	switch from.Type {
	case FromPreviousStep:
		if index == 0 {
			out = append(out, Violation{
				Path:    p + ".type",
				Message: "previous_step source is illegal at the first step",
			})
		}
	case FromTrigger:
		if index != 0 {
			out = append(out, Violation{
				Path:    p + ".type",
				Message: "trigger source is only valid at the first step",
			})
		}
	case FromFormat:
		if from.Source != SourceAPI && from.Source != SourceURI {
			out = append(out, Violation{
				Path:    p + ".source",
				Message: fmt.Sprintf("format source must be %q or %q, got %q", SourceAPI, SourceURI, from.Source),
			})
		}
		if from.Format != FormatCSV && from.Format != FormatJSON {
			out = append(out, Violation{
				Path:    p + ".format",
				Message: fmt.Sprintf("format must be %q or %q, got %q", FormatCSV, FormatJSON, from.Format),
			})
		}
		if from.Source == SourceURI && from.URI == "" {
			out = append(out, Violation{
				Path:    p + ".uri",
				Message: "uri source requires a uri",
			})
		}
	case FromEntity:
		if from.EntityType == "" {
			out = append(out, Violation{
				Path:    p + ".entity_type",
				Message: "entity source requires an entity type",
			})
		}
	default:
		out = append(out, Violation{
			Path:    p + ".type",
			Message: fmt.Sprintf("unknown from type %q", from.Type),
		})
	}

	out = append(out, validateMapping(p+".mapping", from.Mapping)...)
	return out
}

func validateTransform(path string, t TransformDef) []Violation {
	var out []Violation
	p := path + ".transform"

	switch t.Type {
	case TransformNone, "":
		return nil
	case TransformArithmetic:
		out = append(out, validateTarget(p, t.Target)...)
		if !t.Operator.Valid() {
			out = append(out, Violation{
				Path:    p + ".operator",
				Message: fmt.Sprintf("operator must be add, sub, mul or div, got %q", t.Operator),
			})
		}
		out = append(out, validateOperand(p+".left", t.Left, false)...)
		out = append(out, validateOperand(p+".right", t.Right, false)...)
	case TransformConcat:
		out = append(out, validateTarget(p, t.Target)...)
		out = append(out, validateOperand(p+".left", t.Left, true)...)
		out = append(out, validateOperand(p+".right", t.Right, true)...)
	default:
		out = append(out, Violation{
			Path:    p + ".type",
			Message: fmt.Sprintf("unknown transform type %q", t.Type),
		})
	}
	return out
}

func validateTarget(path, target string) []Violation {
	if target == "" {
		return []Violation{{Path: path + ".target", Message: "transform requires a target field"}}
	}
	if !ValidFieldName(target) {
		return []Violation{{
			Path:    path + ".target",
			Message: fmt.Sprintf("invalid field name %q", target),
		}}
	}
	return nil
}

func validateOperand(path string, o Operand, concat bool) []Violation {
	var out []Violation

	set := 0
	if o.IsField() {
		set++
	}
	if o.IsNumericConst() {
		set++
	}
	if o.IsStringConst() {
		set++
	}
	if set == 0 {
		return []Violation{{Path: path, Message: "operand must be a field reference or a constant"}}
	}
	if set > 1 {
		out = append(out, Violation{Path: path, Message: "operand must set exactly one of field, const, const_string"})
	}

	if o.IsField() && !ValidFieldName(o.Field) {
		out = append(out, Violation{
			Path:    path + ".field",
			Message: fmt.Sprintf("invalid field name %q", o.Field),
		})
	}
	if concat && o.IsNumericConst() {
		out = append(out, Violation{
			Path:    path + ".const",
			Message: "concat operand constants must be strings (use const_string)",
		})
	}
	if !concat && o.IsStringConst() {
		out = append(out, Violation{
			Path:    path + ".const_string",
			Message: "arithmetic operand constants must be numbers (use const)",
		})
	}
	return out
}

func validateTo(path string, index, last int, to ToDef) []Violation {
	var out []Violation
	p := path + ".to"

	switch to.Type {
	case ToNextStep:
		if index == last {
			out = append(out, Violation{
				Path:    p + ".type",
				Message: "next_step destination is illegal at the last step",
			})
		}
	case ToFormat:
		switch to.Mode {
		case OutputAPI, OutputDownload:
		case OutputPush:
			if to.PushURI == "" {
				out = append(out, Violation{
					Path:    p + ".push_uri",
					Message: "push output requires a push uri",
				})
			}
		default:
			out = append(out, Violation{
				Path:    p + ".mode",
				Message: fmt.Sprintf("output mode must be api, download or push, got %q", to.Mode),
			})
		}
		if to.Format != FormatCSV && to.Format != FormatJSON {
			out = append(out, Violation{
				Path:    p + ".format",
				Message: fmt.Sprintf("format must be %q or %q, got %q", FormatCSV, FormatJSON, to.Format),
			})
		}
	case ToEntity:
		if to.EntityType == "" {
			out = append(out, Violation{
				Path:    p + ".entity_type",
				Message: "entity destination requires an entity type",
			})
		}
		switch to.WriteMode {
		case WriteCreate, WriteUpdate, WriteCreateOrUpdate:
		default:
			out = append(out, Violation{
				Path:    p + ".write_mode",
				Message: fmt.Sprintf("write mode must be create, update or create_or_update, got %q", to.WriteMode),
			})
		}
		if (to.WriteMode == WriteUpdate || to.WriteMode == WriteCreateOrUpdate) && to.IdentifyBy == "" {
			out = append(out, Violation{
				Path:    p + ".identify_by",
				Message: "update writes require an identify_by key",
			})
		}
		if to.IdentifyBy != "" && !ValidFieldName(to.IdentifyBy) {
			out = append(out, Violation{
				Path:    p + ".identify_by",
				Message: fmt.Sprintf("invalid field name %q", to.IdentifyBy),
			})
		}
	default:
		out = append(out, Violation{
			Path:    p + ".type",
			Message: fmt.Sprintf("unknown to type %q", to.Type),
		})
	}

	out = append(out, validateMapping(p+".mapping", to.Mapping)...)
	return out
}

func validateMapping(path string, mapping map[string]string) []Violation {
	var out []Violation
	for src, dest := range mapping {
		if !ValidFieldName(src) {
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("invalid field name %q", src),
			})
		}
		if !ValidFieldName(dest) {
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("invalid field name %q", dest),
			})
		}
	}
	return out
}
