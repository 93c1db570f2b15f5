package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/podushkina/taskrunner/internal/task"
)

// Task type discriminators known to this deployment.
const (
	TypeDataExport       = "DATA_EXPORT"
	TypeDataImport       = "DATA_IMPORT"
	TypeReportGeneration = "REPORT_GENERATION"
)

// DataExport simulates a long export, spread over duration in ten steps with
// progress reported after each one.
func DataExport(duration time.Duration) func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
	return func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
		const steps = 10
		for i := 1; i <= steps; i++ {
			if err := sleep(ctx, duration/steps); err != nil {
				return nil, err
			}
			if i < steps {
				report(i * 10)
			}
		}

		return json.Marshal(map[string]any{
			"exportPath": fmt.Sprintf("/exports/data-%s.csv", t.ID),
			"rowCount":   10000,
			"fileSize":   "2.5MB",
		})
	}
}

// DataImport simulates an import run.
func DataImport(duration time.Duration) func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
	return func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
		if err := sleep(ctx, duration); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{
			"importedCount": 5000,
			"skippedCount":  10,
		})
	}
}

// ReportGeneration simulates rendering a report.
func ReportGeneration(duration time.Duration) func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
	return func(ctx context.Context, t *task.Task, report func(int)) (json.RawMessage, error) {
		if err := sleep(ctx, duration); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{
			"reportUrl": fmt.Sprintf("/reports/%s.pdf", t.ID),
			"pageCount": 25,
		})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
