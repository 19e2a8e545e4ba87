package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-syncpipe/core"
)

type ReportStore struct {
	db   *bun.DB
	repo repository.Repository[*reportRecord]
}

func NewReportStore(db *bun.DB) (*ReportStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*reportRecord](db, reportHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid report repository wiring: %w", err)
		}
	}
	return &ReportStore{db: db, repo: repo}, nil
}

func (s *ReportStore) Save(ctx context.Context, report core.ReconciliationReport) (core.ReconciliationReport, error) {
	if s == nil || s.repo == nil {
		return core.ReconciliationReport{}, fmt.Errorf("sqlstore: report store is not configured")
	}
	report.ID = strings.TrimSpace(report.ID)
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.EntityKind = report.EntityKind.Normalize()
	record := newReportRecord(report)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.ReconciliationReport{}, fmt.Errorf("sqlstore: save reconciliation report: %w", err)
	}
	return record.toDomain(), nil
}

func (s *ReportStore) Get(ctx context.Context, id string) (core.ReconciliationReport, error) {
	if s == nil || s.db == nil {
		return core.ReconciliationReport{}, fmt.Errorf("sqlstore: report store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &reportRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ReconciliationReport{}, core.NotFoundError("reconciliation_report", id)
		}
		return core.ReconciliationReport{}, err
	}
	return record.toDomain(), nil
}

// List returns the newest reports first.
func (s *ReportStore) List(ctx context.Context, kind core.EntityKind, limit int) ([]core.ReconciliationReport, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: report store is not configured")
	}
	criteria := []repository.SelectCriteria{repository.OrderBy("started_at DESC")}
	if kind = kind.Normalize(); kind != "" {
		criteria = append(criteria, repository.SelectBy("entity_kind", "=", string(kind)))
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.ReconciliationReport, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

