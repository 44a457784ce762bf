package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/adapters"
	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

// ExecContext carries everything a step execution needs: run identity for
// logging and inbound-payload lookup, plus the injected source/sink
// adapters. The executor itself holds no state.
type ExecContext struct {
	WorkflowID uint
	RunID      string
	StepIndex  int

	// FetchRetries is the workflow's max_fetch_retries, bounding retry
	// attempts on external source reads. Zero uses the adapter default.
	FetchRetries int

	Entities adapters.EntityStore
	Formats  adapters.FormatClient
	Logger   *zap.Logger
}

// OutputKind says what happened to one record after a step ran.
type OutputKind string

const (
	// OutputForward carries a record for the orchestrator to hand to the
	// next step.
	OutputForward OutputKind = "forward"
	// OutputEntityWritten means the record was persisted to the entity store.
	OutputEntityWritten OutputKind = "entity_written"
	// OutputEmitted means the record was part of a rendered format output.
	OutputEmitted OutputKind = "emitted"
	// OutputFailed means this record failed evaluation or writing; Err
	// holds the cause. Other records of the same batch are unaffected.
	OutputFailed OutputKind = "failed"
)

// RoutedOutput is the fate of one input record after a step.
type RoutedOutput struct {
	Kind     OutputKind
	Record   *dsl.Record
	EntityID string
	Err      error
}

// Executor runs single pipeline steps. It is stateless and safe for
// concurrent use; all I/O goes through the adapters on the ExecContext.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates a step executor.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger}
}

// ExecuteStep resolves the step's source, applies its transform to each
// record and routes the results per the destination. input is the
// previous step's forwarded record (nil for step 0 sources). A returned
// error is step-level (source unreachable, bad destination); per-record
// evaluation failures come back as OutputFailed entries instead so one
// bad row never aborts the batch.
func (e *Executor) ExecuteStep(ctx context.Context, step dsl.Step, input *dsl.Record, ec *ExecContext) ([]RoutedOutput, error) {
	records, err := e.resolveFrom(ctx, step.From, input, ec)
	if err != nil {
		return nil, err
	}

	outputs := make([]RoutedOutput, 0, len(records))
	var emit []*dsl.Record

	for _, rec := range records {
		transformed, err := step.Transform.Apply(rec)
		if err != nil {
			e.logger.Debug("Record failed transform",
				zap.String("run_id", ec.RunID),
				zap.Int("step_index", ec.StepIndex),
				zap.Error(err))
			outputs = append(outputs, RoutedOutput{Kind: OutputFailed, Record: rec, Err: err})
			continue
		}

		mapped := transformed.Project(step.To.Mapping)

		switch step.To.Type {
		case dsl.ToNextStep:
			outputs = append(outputs, RoutedOutput{Kind: OutputForward, Record: mapped})

		case dsl.ToEntity:
			entityID, err := ec.Entities.WriteEntity(ctx, step.To.EntityType, step.To.WriteMode, step.To.IdentifyBy, mapped.ToMap())
			if err != nil {
				outputs = append(outputs, RoutedOutput{Kind: OutputFailed, Record: mapped, Err: err})
				continue
			}
			outputs = append(outputs, RoutedOutput{Kind: OutputEntityWritten, Record: mapped, EntityID: entityID})

		case dsl.ToFormat:
			// Collected and emitted as one document after the loop.
			emit = append(emit, mapped)
			outputs = append(outputs, RoutedOutput{Kind: OutputEmitted, Record: mapped})

		default:
			return nil, fmt.Errorf("unknown to type %q", step.To.Type)
		}
	}

	if len(emit) > 0 {
		if err := ec.Formats.Emit(ctx, ec.WorkflowID, emit, step.To.Format, step.To.Options, step.To.Mode, step.To.PushURI); err != nil {
			return nil, err
		}
	}

	return outputs, nil
}

// resolveFrom produces the step's input records: zero or more for
// external sources, exactly one for previous_step and trigger.
func (e *Executor) resolveFrom(ctx context.Context, from dsl.FromDef, input *dsl.Record, ec *ExecContext) ([]*dsl.Record, error) {
	switch from.Type {
	case dsl.FromTrigger:
		return []*dsl.Record{dsl.NewRecord()}, nil

	case dsl.FromPreviousStep:
		if input == nil {
			return nil, fmt.Errorf("previous_step source at step %d has no input record", ec.StepIndex)
		}
		return []*dsl.Record{input.Project(from.Mapping)}, nil

	case dsl.FromFormat:
		var (
			records []*dsl.Record
			err     error
		)
		switch from.Source {
		case dsl.SourceAPI:
			records, err = ec.Formats.FetchInbound(ctx, ec.RunID, from.Format, from.Options)
		case dsl.SourceURI:
			records, err = ec.Formats.FetchURI(ctx, from.URI, from.Format, from.Options, ec.FetchRetries)
		default:
			return nil, fmt.Errorf("unknown format source %q", from.Source)
		}
		if err != nil {
			return nil, err
		}
		return projectAll(records, from.Mapping), nil

	case dsl.FromEntity:
		rows, err := ec.Entities.ReadEntities(ctx, from.EntityType, from.Filter, ec.FetchRetries)
		if err != nil {
			return nil, err
		}
		records := make([]*dsl.Record, 0, len(rows))
		for _, row := range rows {
			records = append(records, dsl.RecordFromMap(row))
		}
		return projectAll(records, from.Mapping), nil

	default:
		return nil, fmt.Errorf("unknown from type %q", from.Type)
	}
}

func projectAll(records []*dsl.Record, mapping map[string]string) []*dsl.Record {
	if len(mapping) == 0 {
		return records
	}
	out := make([]*dsl.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Project(mapping))
	}
	return out
}
