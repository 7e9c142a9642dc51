package redshift

import (
	"context"
	"strings"
	"testing"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/operator"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		expr     string
		result   any
		wantErr  bool
	}{
		{"zero nulls", "0", "", int64(0), false},
		{"nulls found", "0", "", int64(4), true},
		{"numeric text", "0", "", []byte("0"), false},
		{"string equality", "ok", "", "ok", false},
		{"expression", "", "result > 100", int32(6820), false},
		{"expression fails", "", "result > 100", int32(7), true},
		{"expr wins", "5", "result >= 1", int64(1), false},
		{"nil result", "0", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCheck(tt.expected, tt.expr)
			if err != nil {
				t.Fatalf("NewCheck: %v", err)
			}
			err = c.Verify(tt.result)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify(%v) error = %v, wantErr %v", tt.result, err, tt.wantErr)
			}
		})
	}
}

func TestNewCheck_Errors(t *testing.T) {
	if _, err := NewCheck("", ""); err == nil {
		t.Error("expected error without an expectation")
	}
	if _, err := NewCheck("", "result >"); err == nil {
		t.Error("expected parse error")
	}
}

func TestCheck_NonBoolean(t *testing.T) {
	c, err := NewCheck("", "result + 1")
	if err != nil {
		t.Fatalf("NewCheck: %v", err)
	}
	if err := c.Verify(int64(1)); err == nil {
		t.Error("expected error for non-boolean expectation")
	}
}

func TestDataQuality(t *testing.T) {
	query := "SELECT COUNT(*) FROM users WHERE userid IS NULL"
	wh := &fakeWarehouse{scalars: map[string]any{query: int64(0)}}
	work := build(t, DataQuality, v1.OperatorDataQuality, map[string]string{
		"test_query":      query,
		"expected_result": "0",
	}, operator.Deps{Warehouse: wh})

	if err := work(context.Background(), newTaskContext()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDataQuality_Mismatch(t *testing.T) {
	query := "SELECT COUNT(*) FROM songs WHERE songid IS NULL"
	wh := &fakeWarehouse{scalars: map[string]any{query: int64(3)}}
	work := build(t, DataQuality, v1.OperatorDataQuality, map[string]string{
		"test_query":      query,
		"expected_result": "0",
	}, operator.Deps{Warehouse: wh})

	err := work(context.Background(), newTaskContext())
	if err == nil || !strings.Contains(err.Error(), "data quality check failed") {
		t.Fatalf("expected quality failure, got %v", err)
	}
}

func TestDataQuality_NoRows(t *testing.T) {
	wh := &fakeWarehouse{scalars: map[string]any{}}
	work := build(t, DataQuality, v1.OperatorDataQuality, map[string]string{
		"test_query":    "SELECT 1 WHERE false",
		"expected_expr": "result == 1",
	}, operator.Deps{Warehouse: wh})

	if err := work(context.Background(), newTaskContext()); err == nil {
		t.Fatal("expected error when the query returns no rows")
	}
}
