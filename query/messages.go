package query

import (
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

const (
	TypeGetTask           = "syncpipe.query.task.get"
	TypeListTasks         = "syncpipe.query.task.list"
	TypeGetInboxEvent     = "syncpipe.query.inbox_event.get"
	TypeGetOutboxEvent    = "syncpipe.query.outbox_event.get"
	TypeGetDeadLetter     = "syncpipe.query.dead_letter.get"
	TypeListDeadLetters   = "syncpipe.query.dead_letter.list"
	TypeGetReport         = "syncpipe.query.report.get"
	TypeListReports       = "syncpipe.query.report.list"
	TypeGetBreakerState   = "syncpipe.query.breaker.state"
	TypeGetRateLimitState = "syncpipe.query.rate_limit.state"
)

const maxListLimit = 500

type GetTaskMessage struct {
	TaskID string
}

func (GetTaskMessage) Type() string { return TypeGetTask }

func (m GetTaskMessage) Validate() error {
	return requireID("task_id", m.TaskID)
}

type ListTasksMessage struct {
	Filter core.TaskFilter
}

func (ListTasksMessage) Type() string { return TypeListTasks }

func (m ListTasksMessage) Validate() error {
	return validateLimit(m.Filter.Limit)
}

type GetInboxEventMessage struct {
	EventID string
}

func (GetInboxEventMessage) Type() string { return TypeGetInboxEvent }

func (m GetInboxEventMessage) Validate() error {
	return requireID("event_id", m.EventID)
}

type GetOutboxEventMessage struct {
	EventID string
}

func (GetOutboxEventMessage) Type() string { return TypeGetOutboxEvent }

func (m GetOutboxEventMessage) Validate() error {
	return requireID("event_id", m.EventID)
}

type GetDeadLetterMessage struct {
	ID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	return requireID("id", m.ID)
}

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	return validateLimit(m.Filter.Limit)
}

type GetReportMessage struct {
	ReportID string
}

func (GetReportMessage) Type() string { return TypeGetReport }

func (m GetReportMessage) Validate() error {
	return requireID("report_id", m.ReportID)
}

type ListReportsMessage struct {
	EntityKind core.EntityKind
	Limit      int
}

func (ListReportsMessage) Type() string { return TypeListReports }

func (m ListReportsMessage) Validate() error {
	return validateLimit(m.Limit)
}

type GetBreakerStateMessage struct {
	Target string
}

func (GetBreakerStateMessage) Type() string { return TypeGetBreakerState }

func (m GetBreakerStateMessage) Validate() error {
	return requireID("target", m.Target)
}

type GetRateLimitStateMessage struct {
	Target string
}

func (GetRateLimitStateMessage) Type() string { return TypeGetRateLimitState }

func (m GetRateLimitStateMessage) Validate() error {
	return requireID("target", m.Target)
}

func requireID(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return queryValidationError(field, field+" is required")
	}
	return nil
}

func validateLimit(limit int) error {
	if limit < 0 || limit > maxListLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	return nil
}
