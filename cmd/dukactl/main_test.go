package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"dukapos/internal/client"
)

func TestLoadCountsMergesFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.yaml")
	if err := os.WriteFile(path, []byte("ITEM-TEA-100: 28\nITEM-MILK-500: 60\n"), 0o600); err != nil {
		t.Fatalf("write counts: %v", err)
	}

	counts, err := loadCounts([]string{"ITEM-TEA-100=27", "ITEM-SOAP-BAR = 50"}, path)
	if err != nil {
		t.Fatalf("load counts: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("expected 3 counts, got %d", len(counts))
	}
	got := map[string]int{}
	for _, c := range counts {
		got[c.ItemID] = c.Qty
	}
	if got["ITEM-TEA-100"] != 27 {
		t.Fatalf("flag should override file, got %d", got["ITEM-TEA-100"])
	}
	if got["ITEM-SOAP-BAR"] != 50 {
		t.Fatalf("expected trimmed soap count, got %v", got)
	}
}

func TestLoadCountsRejectsMalformedFlags(t *testing.T) {
	for _, flag := range []string{"ITEM-TEA-100", "=4", "ITEM-TEA-100=four"} {
		if _, err := loadCounts([]string{flag}, ""); err == nil {
			t.Fatalf("expected %q to be rejected", flag)
		}
	}
}

func TestParseSaleLines(t *testing.T) {
	lines, err := parseSaleLines([]string{"ITEM-SUGAR-1KG=2@65.50"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(lines) != 1 || lines[0].Qty != 2 || !lines[0].UnitPrice.Equal(decimal.RequireFromString("65.5")) {
		t.Fatalf("unexpected lines %+v", lines)
	}

	for _, bad := range []string{"ITEM-SUGAR-1KG=2", "ITEM-SUGAR-1KG", "ITEM-SUGAR-1KG=x@1", "ITEM-SUGAR-1KG=1@abc"} {
		if _, err := parseSaleLines([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestParseMoney(t *testing.T) {
	v, err := parseMoney("cash", " 1230.00 ")
	if err != nil || !v.Equal(decimal.NewFromInt(1230)) {
		t.Fatalf("expected 1230, got %s (%v)", v, err)
	}
	if v, err := parseMoney("mpesa", ""); err != nil || !v.IsZero() {
		t.Fatalf("expected zero for empty amount, got %s (%v)", v, err)
	}
	if _, err := parseMoney("cash", "lots"); err == nil {
		t.Fatalf("expected error for non-numeric amount")
	}
}

func TestDescribeErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&client.AuthError{Status: 401, Message: "invalid token"}, "not allowed: auth 401: invalid token (try dukactl login)"},
		{&client.ValidationError{Message: "bad"}, "invalid input: validation: bad"},
		{&client.APIError{Status: 503, Message: "down"}, "temporary failure, safe to retry: api 503: down"},
		{errors.New("boom"), "error: boom"},
	}
	for _, tc := range cases {
		if got := describe(tc.err); got != tc.want {
			t.Fatalf("describe(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
