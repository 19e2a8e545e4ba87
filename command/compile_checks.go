package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SubmitWebhookMessage]     = (*SubmitWebhookCommand)(nil)
	_ gocmd.Commander[EnqueueTaskMessage]       = (*EnqueueTaskCommand)(nil)
	_ gocmd.Commander[RunWorkerOnceMessage]     = (*RunWorkerOnceCommand)(nil)
	_ gocmd.Commander[DrainOutboxMessage]       = (*DrainOutboxCommand)(nil)
	_ gocmd.Commander[RunReconciliationMessage] = (*RunReconciliationCommand)(nil)
	_ gocmd.Commander[ReplayDeadLetterMessage]  = (*ReplayDeadLetterCommand)(nil)
	_ gocmd.Commander[ArchiveDeadLetterMessage] = (*ArchiveDeadLetterCommand)(nil)
)
