package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// recordHandlers builds repository handlers for records keyed by a string
// uuid column named id.
func recordHandlers[T any](newRecord func() T, idOf func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			id := idOf(record)
			if id == nil {
				return uuid.Nil
			}
			return parseUUID(*id)
		},
		SetID: func(record T, value uuid.UUID) {
			if id := idOf(record); id != nil {
				*id = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			id := idOf(record)
			if id == nil {
				return ""
			}
			return strings.TrimSpace(*id)
		},
	}
}

func deadLetterHandlers() repository.ModelHandlers[*deadLetterRecord] {
	return recordHandlers(
		func() *deadLetterRecord { return &deadLetterRecord{} },
		func(record *deadLetterRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func outboxHandlers() repository.ModelHandlers[*outboxEventRecord] {
	return recordHandlers(
		func() *outboxEventRecord { return &outboxEventRecord{} },
		func(record *outboxEventRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func reportHandlers() repository.ModelHandlers[*reportRecord] {
	return recordHandlers(
		func() *reportRecord { return &reportRecord{} },
		func(record *reportRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func entityHandlers() repository.ModelHandlers[*entityRecord] {
	return recordHandlers(
		func() *entityRecord { return &entityRecord{} },
		func(record *entityRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
