package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

// ReportStore is the core.ReportStore view of a Store.
type ReportStore struct{ s *Store }

func (s *Store) Reports() ReportStore { return ReportStore{s: s} }

func (v ReportStore) Save(_ context.Context, report core.ReconciliationReport) (core.ReconciliationReport, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if strings.TrimSpace(report.ID) == "" {
		report.ID = v.s.newID()
	}
	report.EntityKind = report.EntityKind.Normalize()
	v.s.reports[report.ID] = cloneReport(report)
	return cloneReport(report), nil
}

func (v ReportStore) Get(_ context.Context, id string) (core.ReconciliationReport, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	report, ok := v.s.reports[strings.TrimSpace(id)]
	if !ok {
		return core.ReconciliationReport{}, core.NotFoundError("reconciliation_report", id)
	}
	return cloneReport(report), nil
}

func (v ReportStore) List(_ context.Context, kind core.EntityKind, limit int) ([]core.ReconciliationReport, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	kind = kind.Normalize()
	out := make([]core.ReconciliationReport, 0)
	for _, report := range v.s.reports {
		if kind != "" && report.EntityKind != kind {
			continue
		}
		out = append(out, cloneReport(report))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneReport(report core.ReconciliationReport) core.ReconciliationReport {
	report.Discrepancies = append([]core.Discrepancy(nil), report.Discrepancies...)
	report.Warnings = append([]string(nil), report.Warnings...)
	report.HealedTaskIDs = append([]string(nil), report.HealedTaskIDs...)
	return report
}

var _ core.ReportStore = ReportStore{}
