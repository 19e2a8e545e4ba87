package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-syncpipe/core"
)

var (
	_ gocmd.Querier[GetTaskMessage, core.SyncTask]                   = (*GetTaskQuery)(nil)
	_ gocmd.Querier[ListTasksMessage, []core.SyncTask]               = (*ListTasksQuery)(nil)
	_ gocmd.Querier[GetInboxEventMessage, core.InboxEvent]           = (*GetInboxEventQuery)(nil)
	_ gocmd.Querier[GetOutboxEventMessage, core.OutboxEvent]         = (*GetOutboxEventQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetterEntry]      = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetterEntry]  = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[GetReportMessage, core.ReconciliationReport]     = (*GetReportQuery)(nil)
	_ gocmd.Querier[ListReportsMessage, []core.ReconciliationReport] = (*ListReportsQuery)(nil)
	_ gocmd.Querier[GetBreakerStateMessage, core.BreakerState]       = (*GetBreakerStateQuery)(nil)
	_ gocmd.Querier[GetRateLimitStateMessage, core.RateLimiterState] = (*GetRateLimitStateQuery)(nil)
)
