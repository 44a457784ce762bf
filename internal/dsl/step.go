package dsl

// FromType discriminates the source variants of a step.
type FromType string

const (
	FromFormat       FromType = "format"
	FromEntity       FromType = "entity"
	FromPreviousStep FromType = "previous_step"
	FromTrigger      FromType = "trigger"
)

// FormatSource says where a format step reads its raw data from.
type FormatSource string

const (
	// SourceAPI accepts an inbound POST body at the workflow's ingest endpoint.
	SourceAPI FormatSource = "api"
	// SourceURI fetches the payload from a remote URI with a GET.
	SourceURI FormatSource = "uri"
)

// DataFormat is the wire format of a format source or sink.
type DataFormat string

const (
	FormatCSV  DataFormat = "csv"
	FormatJSON DataFormat = "json"
)

// FormatOptions tunes CSV parsing and rendering.
type FormatOptions struct {
	Delimiter string `json:"delimiter,omitempty"`
	HeaderRow bool   `json:"header_row,omitempty"`
}

// FromDef describes where a step's input records come from. Type selects
// the variant; the remaining fields are meaningful only for that variant.
type FromDef struct {
	Type FromType `json:"type"`

	// format
	Source  FormatSource  `json:"source,omitempty"`
	URI     string        `json:"uri,omitempty"`
	Format  DataFormat    `json:"format,omitempty"`
	Options FormatOptions `json:"options,omitempty"`

	// entity
	EntityType string                 `json:"entity_type,omitempty"`
	Filter     map[string]interface{} `json:"filter,omitempty"`

	// format / entity / previous_step: source-field -> normalized-field.
	// Empty means pass everything through untouched.
	Mapping map[string]string `json:"mapping,omitempty"`
}

// TransformType discriminates the transform variants of a step.
type TransformType string

const (
	TransformNone       TransformType = "none"
	TransformArithmetic TransformType = "arithmetic"
	TransformConcat     TransformType = "concat"
)

// TransformDef describes the typed transformation a step applies to each
// record. The target field is added to (or overwritten in) the record.
type TransformDef struct {
	Type TransformType `json:"type"`

	Target   string   `json:"target,omitempty"`
	Left     Operand  `json:"left,omitempty"`
	Right    Operand  `json:"right,omitempty"`
	Operator Operator `json:"operator,omitempty"`

	// concat only
	Separator string `json:"separator,omitempty"`
}

// Apply runs the transform against a record, returning a new record with
// the target field set. TransformNone returns the input unchanged.
func (t TransformDef) Apply(rec *Record) (*Record, error) {
	switch t.Type {
	case TransformNone, "":
		return rec, nil
	case TransformArithmetic:
		v, err := EvaluateArithmetic(t.Left, t.Operator, t.Right, rec)
		if err != nil {
			return nil, err
		}
		out := rec.Clone()
		out.Set(t.Target, v)
		return out, nil
	case TransformConcat:
		v, err := EvaluateConcat(t.Left, t.Separator, t.Right, rec)
		if err != nil {
			return nil, err
		}
		out := rec.Clone()
		out.Set(t.Target, v)
		return out, nil
	default:
		return nil, &TypeCastError{Value: string(t.Type), Want: "transform type"}
	}
}

// ToType discriminates the destination variants of a step.
type ToType string

const (
	ToFormat   ToType = "format"
	ToEntity   ToType = "entity"
	ToNextStep ToType = "next_step"
)

// OutputMode says where a terminal format step's rendered output goes.
type OutputMode string

const (
	// OutputAPI makes the rendered output retrievable with a GET at the
	// workflow's output endpoint.
	OutputAPI OutputMode = "api"
	// OutputDownload serves the rendered output as a file download.
	OutputDownload OutputMode = "download"
	// OutputPush POSTs the rendered output to a remote URI.
	OutputPush OutputMode = "push"
)

// EntityWriteMode selects how an entity sink persists records.
type EntityWriteMode string

const (
	WriteCreate         EntityWriteMode = "create"
	WriteUpdate         EntityWriteMode = "update"
	WriteCreateOrUpdate EntityWriteMode = "create_or_update"
)

// ToDef describes where a step's output records are routed.
type ToDef struct {
	Type ToType `json:"type"`

	// format
	Mode    OutputMode    `json:"mode,omitempty"`
	PushURI string        `json:"push_uri,omitempty"`
	Format  DataFormat    `json:"format,omitempty"`
	Options FormatOptions `json:"options,omitempty"`

	// entity
	EntityType string          `json:"entity_type,omitempty"`
	WriteMode  EntityWriteMode `json:"write_mode,omitempty"`
	IdentifyBy string          `json:"identify_by,omitempty"`

	// normalized-field -> destination-field. Empty passes all fields.
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Step is one {from, transform, to} unit of a workflow pipeline.
type Step struct {
	From      FromDef      `json:"from"`
	Transform TransformDef `json:"transform"`
	To        ToDef        `json:"to"`
}

// WorkflowConfig is the ordered, non-empty step sequence of one workflow,
// persisted as a single JSON document on the workflow row.
type WorkflowConfig struct {
	Steps []Step `json:"steps"`
}
