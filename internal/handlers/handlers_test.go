package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/podushkina/taskrunner/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataExport(t *testing.T) {
	h := DataExport(20 * time.Millisecond)

	var reported []int
	result, err := h(context.Background(), &task.Task{ID: "t1"}, func(pct int) {
		reported = append(reported, pct)
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "/exports/data-t1.csv", out["exportPath"])
	assert.Equal(t, float64(10000), out["rowCount"])

	require.NotEmpty(t, reported)
	for i := 1; i < len(reported); i++ {
		assert.Greater(t, reported[i], reported[i-1], "progress must not decrease within an attempt")
	}
	assert.Less(t, reported[len(reported)-1], 100, "handlers never report 100 themselves")
}

func TestDataExport_Cancelled(t *testing.T) {
	h := DataExport(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h(ctx, &task.Task{ID: "t1"}, func(int) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDataImport(t *testing.T) {
	h := DataImport(5 * time.Millisecond)

	result, err := h(context.Background(), &task.Task{ID: "t2"}, func(int) {})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, float64(5000), out["importedCount"])
	assert.Equal(t, float64(10), out["skippedCount"])
}

func TestReportGeneration(t *testing.T) {
	h := ReportGeneration(5 * time.Millisecond)

	result, err := h(context.Background(), &task.Task{ID: "t3"}, func(int) {})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "/reports/t3.pdf", out["reportUrl"])
	assert.Equal(t, float64(25), out["pageCount"])
}
