package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

type TaskReader interface {
	Get(ctx context.Context, taskID string) (core.SyncTask, error)
	List(ctx context.Context, filter core.TaskFilter) ([]core.SyncTask, error)
}

type InboxEventReader interface {
	Get(ctx context.Context, id string) (core.InboxEvent, error)
}

type OutboxEventReader interface {
	Get(ctx context.Context, id string) (core.OutboxEvent, error)
}

type DeadLetterReader interface {
	Get(ctx context.Context, id string) (core.DeadLetterEntry, error)
	List(ctx context.Context, filter core.DeadLetterFilter) ([]core.DeadLetterEntry, error)
}

type ReportReader interface {
	Get(ctx context.Context, id string) (core.ReconciliationReport, error)
	List(ctx context.Context, kind core.EntityKind, limit int) ([]core.ReconciliationReport, error)
}

type BreakerStateReader interface {
	State(ctx context.Context, target string) (core.BreakerState, error)
}

type RateLimitStateReader interface {
	State(ctx context.Context, target string) (core.RateLimiterState, error)
}

type GetTaskQuery struct {
	reader TaskReader
}

func NewGetTaskQuery(reader TaskReader) *GetTaskQuery {
	return &GetTaskQuery{reader: reader}
}

func (q *GetTaskQuery) Query(ctx context.Context, msg GetTaskMessage) (core.SyncTask, error) {
	if q == nil || q.reader == nil {
		return core.SyncTask{}, queryDependencyError("query: task reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.TaskID))
}

type ListTasksQuery struct {
	reader TaskReader
}

func NewListTasksQuery(reader TaskReader) *ListTasksQuery {
	return &ListTasksQuery{reader: reader}
}

func (q *ListTasksQuery) Query(ctx context.Context, msg ListTasksMessage) ([]core.SyncTask, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: task reader is required")
	}
	filter := msg.Filter
	filter.EntityKind = filter.EntityKind.Normalize()
	return q.reader.List(ctx, filter)
}

type GetInboxEventQuery struct {
	reader InboxEventReader
}

func NewGetInboxEventQuery(reader InboxEventReader) *GetInboxEventQuery {
	return &GetInboxEventQuery{reader: reader}
}

func (q *GetInboxEventQuery) Query(ctx context.Context, msg GetInboxEventMessage) (core.InboxEvent, error) {
	if q == nil || q.reader == nil {
		return core.InboxEvent{}, queryDependencyError("query: inbox reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.EventID))
}

type GetOutboxEventQuery struct {
	reader OutboxEventReader
}

func NewGetOutboxEventQuery(reader OutboxEventReader) *GetOutboxEventQuery {
	return &GetOutboxEventQuery{reader: reader}
}

func (q *GetOutboxEventQuery) Query(ctx context.Context, msg GetOutboxEventMessage) (core.OutboxEvent, error) {
	if q == nil || q.reader == nil {
		return core.OutboxEvent{}, queryDependencyError("query: outbox reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.EventID))
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterEntry{}, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.ID))
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	return q.reader.List(ctx, msg.Filter)
}

type GetReportQuery struct {
	reader ReportReader
}

func NewGetReportQuery(reader ReportReader) *GetReportQuery {
	return &GetReportQuery{reader: reader}
}

func (q *GetReportQuery) Query(ctx context.Context, msg GetReportMessage) (core.ReconciliationReport, error) {
	if q == nil || q.reader == nil {
		return core.ReconciliationReport{}, queryDependencyError("query: report reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.ReportID))
}

type ListReportsQuery struct {
	reader ReportReader
}

func NewListReportsQuery(reader ReportReader) *ListReportsQuery {
	return &ListReportsQuery{reader: reader}
}

func (q *ListReportsQuery) Query(ctx context.Context, msg ListReportsMessage) ([]core.ReconciliationReport, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: report reader is required")
	}
	return q.reader.List(ctx, msg.EntityKind.Normalize(), msg.Limit)
}

type GetBreakerStateQuery struct {
	reader BreakerStateReader
}

func NewGetBreakerStateQuery(reader BreakerStateReader) *GetBreakerStateQuery {
	return &GetBreakerStateQuery{reader: reader}
}

func (q *GetBreakerStateQuery) Query(ctx context.Context, msg GetBreakerStateMessage) (core.BreakerState, error) {
	if q == nil || q.reader == nil {
		return core.BreakerState{}, queryDependencyError("query: breaker reader is required")
	}
	return q.reader.State(ctx, strings.TrimSpace(msg.Target))
}

type GetRateLimitStateQuery struct {
	reader RateLimitStateReader
}

func NewGetRateLimitStateQuery(reader RateLimitStateReader) *GetRateLimitStateQuery {
	return &GetRateLimitStateQuery{reader: reader}
}

func (q *GetRateLimitStateQuery) Query(ctx context.Context, msg GetRateLimitStateMessage) (core.RateLimiterState, error) {
	if q == nil || q.reader == nil {
		return core.RateLimiterState{}, queryDependencyError("query: rate limit reader is required")
	}
	return q.reader.State(ctx, strings.TrimSpace(msg.Target))
}
