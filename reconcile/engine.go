package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// Engine diffs local entity state against the remote system. It reads local
// state and enqueues corrective tasks but never writes entities itself.
type Engine struct {
	Entities core.EntityStore
	Remote   core.RemoteClient
	Reports  core.ReportStore
	// Queue is only used when AutoHeal is set.
	Queue core.SyncQueue

	Kinds        []core.EntityKind
	AutoHeal     bool
	PageSize     int
	MaxPages     int
	IgnoreFields map[string]struct{}
	// IDFields names the payload field carrying the external id per kind so
	// healing tasks pass processor id checks.
	IDFields map[core.EntityKind]string

	Now      func() time.Time
	Observer core.Observer
}

func NewEngine(entities core.EntityStore, remote core.RemoteClient, reports core.ReportStore, queue core.SyncQueue, cfg core.ReconcileConfig, observer core.Observer) (*Engine, error) {
	if entities == nil {
		return nil, fmt.Errorf("reconcile: entity store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("reconcile: remote client is required")
	}
	if cfg.AutoHeal && queue == nil {
		return nil, fmt.Errorf("reconcile: sync queue is required for auto heal")
	}
	defaults := core.DefaultConfig().Reconcile
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaults.MaxPages
	}
	kinds := make([]core.EntityKind, 0, len(cfg.Kinds))
	for _, kind := range cfg.Kinds {
		if normalized := core.EntityKind(kind).Normalize(); normalized != "" {
			kinds = append(kinds, normalized)
		}
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreFields))
	for _, field := range cfg.IgnoreFields {
		if field = strings.TrimSpace(field); field != "" {
			ignore[field] = struct{}{}
		}
	}
	return &Engine{
		Entities:     entities,
		Remote:       remote,
		Reports:      reports,
		Queue:        queue,
		Kinds:        kinds,
		AutoHeal:     cfg.AutoHeal,
		PageSize:     cfg.PageSize,
		MaxPages:     cfg.MaxPages,
		IgnoreFields: ignore,
		IDFields:     map[core.EntityKind]string{},
		Now:          time.Now,
		Observer:     observer,
	}, nil
}

// RunOnce compares every configured kind. A failing kind does not stop the
// others; their errors are joined.
func (e *Engine) RunOnce(ctx context.Context) ([]core.ReconciliationReport, error) {
	reports := make([]core.ReconciliationReport, 0, len(e.Kinds))
	var runErr error
	for _, kind := range e.Kinds {
		if ctx.Err() != nil {
			return reports, core.JoinErrors(runErr, ctx.Err())
		}
		report, err := e.Compare(ctx, kind)
		if err != nil {
			runErr = core.JoinErrors(runErr, fmt.Errorf("reconcile: %s: %w", kind, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, runErr
}

// Compare snapshots kind on both sides and records the resulting report.
func (e *Engine) Compare(ctx context.Context, kind core.EntityKind) (report core.ReconciliationReport, err error) {
	startedAt := e.now()
	kind = kind.Normalize()
	defer func() {
		e.Observer.ObserveOperation(ctx, startedAt, "reconcile.compare", err, map[string]any{
			"entity_kind":   string(kind),
			"discrepancies": len(report.Discrepancies),
			"warnings":      len(report.Warnings),
			"healed":        len(report.HealedTaskIDs),
		})
	}()
	if kind == "" {
		return core.ReconciliationReport{}, core.ValidationError("entity_kind", "entity kind is required")
	}

	report = core.ReconciliationReport{
		EntityKind: kind,
		StartedAt:  startedAt,
	}
	local, localComplete, err := e.localSnapshot(ctx, kind, &report)
	if err != nil {
		return core.ReconciliationReport{}, err
	}
	remote, remoteVersion, remoteComplete := e.remoteSnapshot(ctx, kind, &report)

	report.LocalCount = len(local)
	report.RemoteCount = len(remote)
	report.LocalSnapshotVersion = snapshotVersion(local)
	report.RemoteSnapshotVersion = remoteVersion
	if report.RemoteSnapshotVersion == "" {
		report.RemoteSnapshotVersion = snapshotVersion(remote)
	}
	report.Discrepancies = e.diff(local, remote, localComplete, remoteComplete)

	if e.AutoHeal && len(report.Discrepancies) > 0 {
		healed, healErr := e.heal(ctx, kind, report.Discrepancies, remote)
		report.HealedTaskIDs = healed
		if healErr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("auto heal: %v", healErr))
		}
	}
	report.CompletedAt = e.now()

	if e.Reports != nil {
		saved, saveErr := e.Reports.Save(context.WithoutCancel(ctx), report)
		if saveErr != nil {
			return report, fmt.Errorf("reconcile: save report: %w", saveErr)
		}
		report = saved
	}
	if report.Partial() {
		e.Observer.LogWarn(ctx, "reconciliation report is partial", map[string]any{
			"entity_kind": string(kind),
			"warnings":    strings.Join(report.Warnings, "; "),
		})
	}
	return report, nil
}

func (e *Engine) localSnapshot(ctx context.Context, kind core.EntityKind, report *core.ReconciliationReport) (map[string]map[string]any, bool, error) {
	items := map[string]map[string]any{}
	cursor := ""
	for page := 0; page < e.MaxPages; page++ {
		result, err := e.Entities.Snapshot(ctx, kind, cursor, e.PageSize)
		if err != nil {
			if page == 0 {
				return nil, false, fmt.Errorf("reconcile: local snapshot: %w", err)
			}
			report.Warnings = append(report.Warnings, fmt.Sprintf("local page after %q: %v", cursor, err))
			return items, false, nil
		}
		for _, entity := range result.Items {
			if entity.Deleted {
				continue
			}
			items[strings.TrimSpace(entity.ExternalID)] = entity.Fields
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			return items, true, nil
		}
		cursor = result.NextCursor
	}
	report.Warnings = append(report.Warnings, fmt.Sprintf("local snapshot truncated at %d pages", e.MaxPages))
	return items, false, nil
}

// remoteSnapshot never fails the run: a failed page ends paging and is
// recorded as a warning.
func (e *Engine) remoteSnapshot(ctx context.Context, kind core.EntityKind, report *core.ReconciliationReport) (map[string]map[string]any, string, bool) {
	items := map[string]map[string]any{}
	version := ""
	cursor := ""
	for page := 0; page < e.MaxPages; page++ {
		result, err := e.Remote.Fetch(ctx, kind, cursor)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("remote page %d (cursor %q): %v", page+1, cursor, err))
			e.Observer.Count(ctx, "reconcile.page_failures.total", 1, map[string]string{"entity_kind": string(kind)})
			return items, version, false
		}
		if page == 0 {
			version = strings.TrimSpace(result.Version)
		}
		for _, item := range result.Items {
			id := strings.TrimSpace(item.ExternalID)
			if id == "" {
				continue
			}
			items[id] = item.Fields
		}
		if result.NextCursor == "" || result.NextCursor == cursor {
			return items, version, true
		}
		cursor = result.NextCursor
	}
	report.Warnings = append(report.Warnings, fmt.Sprintf("remote snapshot truncated at %d pages", e.MaxPages))
	return items, version, false
}

// diff reports one discrepancy per differing field, plus one per entity
// present on only one side. Missing findings are skipped when the side that
// would be missing the entity was only partially read.
func (e *Engine) diff(local map[string]map[string]any, remote map[string]map[string]any, localComplete bool, remoteComplete bool) []core.Discrepancy {
	out := make([]core.Discrepancy, 0)
	for _, id := range unionKeys(local, remote) {
		localFields, inLocal := local[id]
		remoteFields, inRemote := remote[id]
		switch {
		case inLocal && inRemote:
			out = append(out, e.diffFields(id, localFields, remoteFields)...)
		case inRemote:
			if !localComplete {
				continue
			}
			out = append(out, core.Discrepancy{
				EntityExternalID: id,
				Kind:             core.DiscrepancyMissingLocal,
				RemoteValue:      core.CloneMap(remoteFields),
			})
		case inLocal:
			if !remoteComplete {
				continue
			}
			out = append(out, core.Discrepancy{
				EntityExternalID: id,
				Kind:             core.DiscrepancyMissingRemote,
				LocalValue:       core.CloneMap(localFields),
			})
		}
	}
	return out
}

func (e *Engine) diffFields(id string, local map[string]any, remote map[string]any) []core.Discrepancy {
	out := make([]core.Discrepancy, 0)
	for _, field := range unionKeys(local, remote) {
		if _, ignored := e.IgnoreFields[field]; ignored {
			continue
		}
		localValue, inLocal := local[field]
		remoteValue, inRemote := remote[field]
		if inLocal && inRemote && equalValues(localValue, remoteValue) {
			continue
		}
		out = append(out, core.Discrepancy{
			EntityExternalID: id,
			Field:            field,
			Kind:             core.DiscrepancyMismatch,
			LocalValue:       localValue,
			RemoteValue:      remoteValue,
		})
	}
	return out
}

// heal enqueues one reconcile task per differing entity. Remote state wins;
// an entity the remote no longer has is flagged for deletion. Entities that
// still have an unfinished reconcile task are left to it.
func (e *Engine) heal(ctx context.Context, kind core.EntityKind, discrepancies []core.Discrepancy, remote map[string]map[string]any) ([]string, error) {
	seen := map[string]struct{}{}
	tasks := make([]core.NewTask, 0)
	for _, discrepancy := range discrepancies {
		id := discrepancy.EntityExternalID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		queued, err := e.healQueued(ctx, kind, id)
		if err != nil {
			return []string{}, err
		}
		if queued {
			continue
		}

		var payload map[string]any
		if discrepancy.Kind == core.DiscrepancyMissingRemote {
			payload = map[string]any{core.ReconcileMissingRemoteField: true}
		} else {
			payload = core.CloneMap(remote[id])
		}
		if field := strings.TrimSpace(e.IDFields[kind]); field != "" {
			if _, ok := payload[field]; !ok {
				payload[field] = id
			}
		}
		tasks = append(tasks, core.NewTask{
			EntityKind:       kind,
			EntityExternalID: id,
			Operation:        core.OperationReconcile,
			Payload:          payload,
		})
	}
	if len(tasks) == 0 {
		return []string{}, nil
	}
	enqueued, err := e.Queue.Enqueue(context.WithoutCancel(ctx), tasks...)
	if err != nil {
		return []string{}, err
	}
	ids := make([]string, 0, len(enqueued))
	for _, task := range enqueued {
		ids = append(ids, task.ID)
	}
	return ids, nil
}

func (e *Engine) healQueued(ctx context.Context, kind core.EntityKind, externalID string) (bool, error) {
	for _, status := range []core.TaskStatus{core.TaskStatusPending, core.TaskStatusInProgress} {
		tasks, err := e.Queue.List(ctx, core.TaskFilter{
			Status:           status,
			EntityKind:       kind,
			EntityExternalID: externalID,
		})
		if err != nil {
			return false, err
		}
		for _, task := range tasks {
			if task.Operation == core.OperationReconcile {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func unionKeys[V any](left map[string]V, right map[string]V) []string {
	keys := make([]string, 0, len(left)+len(right))
	for key := range left {
		keys = append(keys, key)
	}
	for key := range right {
		if _, ok := left[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// equalValues compares through JSON so 1, 1.0 and json.Number("1") agree.
func equalValues(left any, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return fmt.Sprint(left) == fmt.Sprint(right)
	}
	return string(leftJSON) == string(rightJSON)
}

func snapshotVersion(items map[string]map[string]any) string {
	digest := make(map[string]any, len(items))
	for id, fields := range items {
		digest[id] = core.HashFields(fields)
	}
	return core.HashFields(digest)
}
