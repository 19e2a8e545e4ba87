package sqlstore

import (
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

func newInboxEventRecord(event core.InboxEvent) *inboxEventRecord {
	return &inboxEventRecord{
		ID:               event.ID,
		Source:           event.Source,
		Topic:            event.Topic,
		Payload:          append([]byte(nil), event.Payload...),
		ContentHash:      event.ContentHash,
		IdempotencyKey:   event.IdempotencyKey,
		KeyDerived:       event.KeyDerived,
		TaskCount:        event.TaskCount,
		TranslationError: event.TranslationError,
		Processed:        event.Processed,
		ProcessedAt:      copyTimePointer(event.ProcessedAt),
		ReceivedAt:       event.ReceivedAt.UTC(),
	}
}

func (r *inboxEventRecord) toDomain() core.InboxEvent {
	if r == nil {
		return core.InboxEvent{}
	}
	return core.InboxEvent{
		ID:               r.ID,
		Source:           r.Source,
		Topic:            r.Topic,
		Payload:          append([]byte(nil), r.Payload...),
		ContentHash:      r.ContentHash,
		IdempotencyKey:   r.IdempotencyKey,
		KeyDerived:       r.KeyDerived,
		TaskCount:        r.TaskCount,
		TranslationError: r.TranslationError,
		Processed:        r.Processed,
		ProcessedAt:      copyTimePointer(r.ProcessedAt),
		ReceivedAt:       r.ReceivedAt.UTC(),
	}
}

func newSyncTaskRecord(id string, task core.NewTask, sequence int64, now time.Time) *syncTaskRecord {
	return &syncTaskRecord{
		ID:               id,
		EntityKind:       string(task.EntityKind),
		EntityExternalID: task.EntityExternalID,
		EntityKey:        core.EntityKey(task.EntityKind, task.EntityExternalID),
		Operation:        string(task.Operation),
		Payload:          copyAnyMap(task.Payload),
		Priority:         task.Priority,
		Status:           string(core.TaskStatusPending),
		MaxAttempts:      task.MaxAttempts,
		NextAttemptAt:    task.NotBefore.UTC(),
		SourceEventID:    task.SourceEventID,
		History:          []attemptRecord{},
		Sequence:         sequence,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (r *syncTaskRecord) toDomain() core.SyncTask {
	if r == nil {
		return core.SyncTask{}
	}
	return core.SyncTask{
		ID:               r.ID,
		EntityKind:       core.EntityKind(r.EntityKind),
		EntityExternalID: r.EntityExternalID,
		Operation:        core.Operation(r.Operation),
		Payload:          copyAnyMap(r.Payload),
		Priority:         r.Priority,
		Status:           core.TaskStatus(r.Status),
		AttemptCount:     r.AttemptCount,
		MaxAttempts:      r.MaxAttempts,
		NextAttemptAt:    r.NextAttemptAt.UTC(),
		LastError:        r.LastError,
		LeaseOwner:       r.LeaseOwner,
		LeaseExpiresAt:   copyTimePointer(r.LeaseExpiresAt),
		SourceEventID:    r.SourceEventID,
		History:          attemptsToDomain(r.History),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func attemptsToDomain(records []attemptRecord) []core.AttemptOutcome {
	out := make([]core.AttemptOutcome, 0, len(records))
	for _, record := range records {
		out = append(out, core.AttemptOutcome{
			Attempt:    record.Attempt,
			Result:     core.ResultKind(record.Result),
			Error:      record.Error,
			WorkerID:   record.WorkerID,
			StartedAt:  record.StartedAt.UTC(),
			FinishedAt: record.FinishedAt.UTC(),
		})
	}
	return out
}

func attemptFromDomain(outcome core.AttemptOutcome) attemptRecord {
	return attemptRecord{
		Attempt:    outcome.Attempt,
		Result:     string(outcome.Result),
		Error:      outcome.Error,
		WorkerID:   outcome.WorkerID,
		StartedAt:  outcome.StartedAt.UTC(),
		FinishedAt: outcome.FinishedAt.UTC(),
	}
}

func (r *deadLetterRecord) toDomain(task core.SyncTask) core.DeadLetterEntry {
	if r == nil {
		return core.DeadLetterEntry{}
	}
	return core.DeadLetterEntry{
		ID:           r.ID,
		TaskID:       r.TaskID,
		Task:         task,
		Failures:     attemptsToDomain(r.Failures),
		Reason:       r.Reason,
		MovedAt:      r.MovedAt.UTC(),
		ReplayedAt:   copyTimePointer(r.ReplayedAt),
		ReplayTaskID: r.ReplayTaskID,
		ArchivedAt:   copyTimePointer(r.ArchivedAt),
	}
}

func newOutboxEventRecord(id string, event core.OutboxEvent, maxRetries int, now time.Time) *outboxEventRecord {
	if event.MaxRetries <= 0 {
		event.MaxRetries = maxRetries
	}
	createdAt := event.CreatedAt.UTC()
	if event.CreatedAt.IsZero() {
		createdAt = now
	}
	return &outboxEventRecord{
		ID:         id,
		Topic:      event.Topic,
		Payload:    copyAnyMap(event.Payload),
		Status:     string(core.OutboxStatusPending),
		MaxRetries: event.MaxRetries,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
}

func (r *outboxEventRecord) toDomain() core.OutboxEvent {
	if r == nil {
		return core.OutboxEvent{}
	}
	return core.OutboxEvent{
		ID:           r.ID,
		Topic:        r.Topic,
		Payload:      copyAnyMap(r.Payload),
		Status:       core.OutboxStatus(r.Status),
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		LastError:    r.LastError,
		NextRetryAt:  copyTimePointer(r.NextRetryAt),
		ClaimedUntil: copyTimePointer(r.ClaimedUntil),
		ClaimToken:   r.ClaimToken,
		SentAt:       copyTimePointer(r.SentAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func newReportRecord(report core.ReconciliationReport) *reportRecord {
	discrepancies := make([]discrepancyRecord, 0, len(report.Discrepancies))
	for _, discrepancy := range report.Discrepancies {
		discrepancies = append(discrepancies, discrepancyRecord{
			EntityExternalID: discrepancy.EntityExternalID,
			Field:            discrepancy.Field,
			Kind:             string(discrepancy.Kind),
			LocalValue:       discrepancy.LocalValue,
			RemoteValue:      discrepancy.RemoteValue,
		})
	}
	return &reportRecord{
		ID:                    report.ID,
		EntityKind:            string(report.EntityKind),
		LocalSnapshotVersion:  report.LocalSnapshotVersion,
		RemoteSnapshotVersion: report.RemoteSnapshotVersion,
		LocalCount:            report.LocalCount,
		RemoteCount:           report.RemoteCount,
		Discrepancies:         discrepancies,
		Warnings:              append([]string{}, report.Warnings...),
		HealedTaskIDs:         append([]string{}, report.HealedTaskIDs...),
		StartedAt:             report.StartedAt.UTC(),
		CompletedAt:           report.CompletedAt.UTC(),
	}
}

func (r *reportRecord) toDomain() core.ReconciliationReport {
	if r == nil {
		return core.ReconciliationReport{}
	}
	discrepancies := make([]core.Discrepancy, 0, len(r.Discrepancies))
	for _, discrepancy := range r.Discrepancies {
		discrepancies = append(discrepancies, core.Discrepancy{
			EntityExternalID: discrepancy.EntityExternalID,
			Field:            discrepancy.Field,
			Kind:             core.DiscrepancyKind(discrepancy.Kind),
			LocalValue:       discrepancy.LocalValue,
			RemoteValue:      discrepancy.RemoteValue,
		})
	}
	return core.ReconciliationReport{
		ID:                    r.ID,
		EntityKind:            core.EntityKind(r.EntityKind),
		LocalSnapshotVersion:  r.LocalSnapshotVersion,
		RemoteSnapshotVersion: r.RemoteSnapshotVersion,
		LocalCount:            r.LocalCount,
		RemoteCount:           r.RemoteCount,
		Discrepancies:         discrepancies,
		Warnings:              append([]string(nil), r.Warnings...),
		HealedTaskIDs:         append([]string(nil), r.HealedTaskIDs...),
		StartedAt:             r.StartedAt.UTC(),
		CompletedAt:           r.CompletedAt.UTC(),
	}
}

func (r *entityRecord) toDomain() core.Entity {
	if r == nil {
		return core.Entity{}
	}
	return core.Entity{
		Kind:       core.EntityKind(r.Kind),
		ExternalID: r.ExternalID,
		Fields:     copyAnyMap(r.Fields),
		Hash:       r.Hash,
		Version:    r.Version,
		Deleted:    r.Deleted,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		SyncedAt:   r.SyncedAt.UTC(),
	}
}

func (r *breakerStateRecord) toDomain() core.BreakerState {
	if r == nil {
		return core.BreakerState{}
	}
	return core.BreakerState{
		Target:              r.Target,
		Status:              core.BreakerStatus(r.Status),
		ConsecutiveFailures: r.ConsecutiveFailures,
		OpenedAt:            copyTimePointer(r.OpenedAt),
		CoolDown:            time.Duration(r.CoolDownMillis) * time.Millisecond,
		OpenCount:           r.OpenCount,
		ProbeInFlight:       r.ProbeInFlight,
		ProbeStartedAt:      copyTimePointer(r.ProbeStartedAt),
		Version:             r.Version,
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

func (r *breakerStateRecord) apply(state core.BreakerState) {
	r.Status = string(state.Status)
	r.ConsecutiveFailures = state.ConsecutiveFailures
	r.OpenedAt = copyTimePointer(state.OpenedAt)
	r.CoolDownMillis = state.CoolDown.Milliseconds()
	r.OpenCount = state.OpenCount
	r.ProbeInFlight = state.ProbeInFlight
	r.ProbeStartedAt = copyTimePointer(state.ProbeStartedAt)
	r.UpdatedAt = state.UpdatedAt.UTC()
}

func (r *rateLimitStateRecord) toDomain() core.RateLimiterState {
	if r == nil {
		return core.RateLimiterState{}
	}
	return core.RateLimiterState{
		Target:         r.Target,
		Capacity:       r.Capacity,
		CurrentCount:   r.CurrentCount,
		Window:         time.Duration(r.WindowMillis) * time.Millisecond,
		WindowStart:    r.WindowStart.UTC(),
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r *rateLimitStateRecord) apply(state core.RateLimiterState) {
	r.Capacity = state.Capacity
	r.CurrentCount = state.CurrentCount
	r.WindowMillis = state.Window.Milliseconds()
	r.WindowStart = state.WindowStart.UTC()
	r.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
	r.UpdatedAt = state.UpdatedAt.UTC()
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
