package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
)

func TestLog_AssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	al := New(NewMemoryStore(), clock.Fixed{At: now})

	r, err := al.Log(context.Background(), Record{
		Recipient:          "0xabc",
		AmountSmallestUnit: "1000000",
		AmountUSD:          money.Micros(1_000000),
		ChainID:            8453,
		Status:             "confirmed",
		Protocol:           "x402",
	}, "sess_hash_1")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if r.ID == "" {
		t.Error("expected non-empty ID")
	}
	if !r.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v, got %v", now, r.Timestamp)
	}
	if r.SessionKeyHash != "sess_hash_1" {
		t.Errorf("expected session hash to be stamped, got %q", r.SessionKeyHash)
	}
}

func TestQuery_FiltersAndDescendingOrder(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	al := New(store, clock.System{})

	chainA := int64(8453)
	chainB := int64(1)

	mustLog := func(ts time.Time, chain int64, sessHash string) {
		al2 := New(store, clock.Fixed{At: ts})
		if _, err := al2.Log(context.Background(), Record{
			ChainID: chain,
			Status:  "confirmed",
		}, sessHash); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	mustLog(base, chainA, "sess_a")
	mustLog(base.Add(time.Hour), chainB, "sess_b")
	mustLog(base.Add(2*time.Hour), chainA, "sess_a")

	results, err := al.Query(context.Background(), Filter{ChainID: &chainA})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results for chainA, got %d", len(results))
	}
	if !results[0].Timestamp.After(results[1].Timestamp) {
		t.Error("expected descending timestamp order")
	}

	bySession, err := al.Query(context.Background(), Filter{SessionKeyHash: "sess_b"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(bySession) != 1 || bySession[0].SessionKeyHash != "sess_b" {
		t.Errorf("expected exactly one sess_b record, got %+v", bySession)
	}

	windowed, err := al.Query(context.Background(), Filter{
		StartTime: base.Add(30 * time.Minute),
		EndTime:   base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(windowed) != 1 || windowed[0].SessionKeyHash != "sess_b" {
		t.Errorf("expected only the middle record in window, got %+v", windowed)
	}
}

func TestQuery_DefaultsLimitAndOffset(t *testing.T) {
	store := NewMemoryStore()
	al := New(store, clock.System{})
	for i := 0; i < 60; i++ {
		if _, err := al.Log(context.Background(), Record{ChainID: 1}, "sess"); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	results, err := al.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != defaultLimit {
		t.Errorf("expected default limit %d, got %d", defaultLimit, len(results))
	}

	offsetResults, err := al.Query(context.Background(), Filter{Offset: 55})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(offsetResults) != 5 {
		t.Errorf("expected 5 results past offset 55, got %d", len(offsetResults))
	}
}

func TestExportJSON_PreservesBigintsAsStrings(t *testing.T) {
	records := []*Record{{
		ID:                 "rec_1",
		Timestamp:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		AmountSmallestUnit: "123456789012345678901234567890",
		AmountUSD:          money.Micros(1_500000),
		ChainID:            8453,
	}}

	var buf bytes.Buffer
	if err := ExportJSON(&buf, records); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var decoded []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded[0]["amount_smallest_unit"].(string); !ok {
		t.Error("expected amount_smallest_unit to decode as a JSON string")
	}
	usd, ok := decoded[0]["amount_usd"].(string)
	if !ok {
		t.Fatal("expected amount_usd to decode as a JSON string")
	}
	if usd != "1.500000" {
		t.Errorf("expected amount_usd %q, got %q", "1.500000", usd)
	}
}

func TestExportCSV_QuotesCommaValues(t *testing.T) {
	records := []*Record{{
		ID:        "rec_1",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Recipient: "Acme, Inc.",
		ChainID:   1,
	}}

	var buf bytes.Buffer
	if err := ExportCSV(&buf, records); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"Acme, Inc."`) {
		t.Errorf("expected recipient with comma to be quoted, got: %s", out)
	}
}
