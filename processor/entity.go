package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// Caller runs fn against a remote target. core.OutboundGuard satisfies it.
type Caller interface {
	Call(ctx context.Context, target string, fn func(ctx context.Context) error) error
}

type Options struct {
	Store core.EntityStore
	// Remote and Guard enable confirmation pushes when Confirm is set.
	Remote  core.RemoteClient
	Guard   Caller
	Target  string
	Confirm bool
	// OutboxMaxRetries is stamped on appended outbox events.
	OutboxMaxRetries int
	Now              func() time.Time
	Observer         core.Observer
}

// Normalizer rewrites validated fields before they are stored.
type Normalizer func(fields map[string]any) map[string]any

// EntityProcessor applies create, update, delete and reconcile tasks for one
// kind as an idempotent upsert keyed by external id.
type EntityProcessor struct {
	kind      core.EntityKind
	idField   string
	schema    *Schema
	normalize Normalizer
	options   Options
}

func NewEntityProcessor(kind core.EntityKind, idField string, schema *Schema, normalize Normalizer, options Options) (*EntityProcessor, error) {
	kind = kind.Normalize()
	if kind == "" {
		return nil, fmt.Errorf("processor: entity kind is required")
	}
	if options.Store == nil {
		return nil, fmt.Errorf("processor: entity store is required")
	}
	if options.Confirm && options.Remote == nil {
		return nil, fmt.Errorf("processor: remote client is required when confirm is enabled")
	}
	idField = strings.TrimSpace(idField)
	if idField == "" {
		idField = "id"
	}
	options.Target = strings.TrimSpace(strings.ToLower(options.Target))
	if options.Target == "" {
		options.Target = "remote"
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &EntityProcessor{
		kind:      kind,
		idField:   idField,
		schema:    schema,
		normalize: normalize,
		options:   options,
	}, nil
}

func (p *EntityProcessor) Kind() core.EntityKind {
	return p.kind
}

func (p *EntityProcessor) IDField() string {
	return p.idField
}

func (p *EntityProcessor) Apply(ctx context.Context, task core.SyncTask) core.Result {
	startedAt := p.options.Now()
	result := p.apply(ctx, task)
	p.options.Observer.ObserveOperation(ctx, startedAt, "processor.apply", result.Err, map[string]any{
		"entity_kind":        string(p.kind),
		"entity_external_id": task.EntityExternalID,
		"operation":          string(task.Operation),
		"task_id":            task.ID,
		"outcome":            string(result.Kind),
	})
	return result
}

func (p *EntityProcessor) apply(ctx context.Context, task core.SyncTask) core.Result {
	if task.EntityKind.Normalize() != p.kind {
		return core.PermanentFailure("kind mismatch", core.ValidationError(
			"entity_kind",
			fmt.Sprintf("task kind %q routed to %q processor", task.EntityKind, p.kind),
		))
	}
	externalID := strings.TrimSpace(task.EntityExternalID)
	if externalID == "" {
		return core.PermanentFailure("missing external id", core.ValidationError("entity_external_id", "entity external id is required"))
	}

	switch task.Operation {
	case core.OperationDelete:
		return p.applyDelete(ctx, task, externalID)
	case core.OperationReconcile:
		if missing, _ := task.Payload[core.ReconcileMissingRemoteField].(bool); missing {
			return p.applyDelete(ctx, task, externalID)
		}
		return p.applyUpsert(ctx, task, externalID)
	case core.OperationCreate, core.OperationUpdate:
		return p.applyUpsert(ctx, task, externalID)
	default:
		return core.PermanentFailure("unsupported operation", core.ValidationError(
			"operation",
			fmt.Sprintf("operation %q is invalid", task.Operation),
		))
	}
}

func (p *EntityProcessor) applyUpsert(ctx context.Context, task core.SyncTask, externalID string) core.Result {
	fields := core.CloneMap(task.Payload)
	delete(fields, core.ReconcileMissingRemoteField)
	if err := p.schema.Validate(fields); err != nil {
		return core.PermanentFailure("payload rejected", err)
	}
	if payloadID := idString(fields[p.idField]); payloadID != "" && payloadID != externalID {
		return core.PermanentFailure("payload rejected", core.ValidationError(
			p.idField,
			fmt.Sprintf("payload id %q does not match task entity %q", payloadID, externalID),
		))
	}
	if p.normalize != nil {
		fields = p.normalize(fields)
	}

	var confirmed map[string]any
	changed := false
	err := p.options.Store.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		outcome, err := tx.Upsert(ctx, core.Entity{
			Kind:       p.kind,
			ExternalID: externalID,
			Fields:     fields,
		})
		if err != nil {
			return err
		}
		confirmed = outcome.Entity.Fields
		changed = outcome.Changed
		if !changed {
			return nil
		}
		return tx.AppendOutbox(ctx, p.outboxEvent("synced", task, outcome.Entity))
	})
	if err != nil {
		return core.ResultFromError("apply "+string(task.Operation), err)
	}
	if err := p.confirmAfterCommit(ctx, task, changed, externalID, confirmed); err != nil {
		return core.ResultFromError("confirm "+string(task.Operation), err)
	}
	return core.Success()
}

func (p *EntityProcessor) applyDelete(ctx context.Context, task core.SyncTask, externalID string) core.Result {
	now := p.options.Now().UTC()
	changed := false
	err := p.options.Store.WithinTx(ctx, func(ctx context.Context, tx core.EntityTx) error {
		existing, found, err := tx.Get(ctx, p.kind, externalID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		deleted, err := tx.Delete(ctx, p.kind, externalID, now)
		if err != nil || !deleted {
			return err
		}
		changed = true
		existing.Deleted = true
		existing.Version++
		return tx.AppendOutbox(ctx, p.outboxEvent("deleted", task, existing))
	})
	if err != nil {
		return core.ResultFromError("apply delete", err)
	}
	if err := p.confirmAfterCommit(ctx, task, changed, externalID, map[string]any{p.idField: externalID, "deleted": true}); err != nil {
		return core.ResultFromError("confirm delete", err)
	}
	return core.Success()
}

// confirmAfterCommit pushes the confirmation once the local write is durable.
// A retried task confirms even when its write already landed, since the
// earlier attempt may have committed and then failed to confirm.
func (p *EntityProcessor) confirmAfterCommit(ctx context.Context, task core.SyncTask, changed bool, externalID string, fields map[string]any) error {
	if task.Operation == core.OperationReconcile {
		return nil
	}
	if !changed && task.AttemptCount == 0 {
		return nil
	}
	return p.confirm(ctx, externalID, fields)
}

func (p *EntityProcessor) confirm(ctx context.Context, externalID string, fields map[string]any) error {
	if !p.options.Confirm || p.options.Remote == nil {
		return nil
	}
	payload := core.CloneMap(fields)
	payload["external_id"] = externalID
	push := func(ctx context.Context) error {
		_, err := p.options.Remote.Push(ctx, p.kind, payload)
		return err
	}
	if p.options.Guard == nil {
		return push(ctx)
	}
	return p.options.Guard.Call(ctx, p.options.Target, push)
}

func (p *EntityProcessor) outboxEvent(action string, task core.SyncTask, entity core.Entity) core.OutboxEvent {
	return core.OutboxEvent{
		Topic: string(p.kind) + "." + action,
		Payload: map[string]any{
			"entity_kind":        string(p.kind),
			"entity_external_id": entity.ExternalID,
			"operation":          string(task.Operation),
			"task_id":            task.ID,
			"version":            entity.Version,
			"fields":             core.CloneMap(entity.Fields),
		},
		MaxRetries: p.options.OutboxMaxRetries,
	}
}

func idString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

var _ Processor = (*EntityProcessor)(nil)
