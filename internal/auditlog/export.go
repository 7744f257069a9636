package auditlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// exportRecord mirrors Record's fields but carries AmountUSD as a decimal
// string rather than a json.Number, so a bigint-valued micros amount
// never round-trips through a float64 on the reading end.
type exportRecord struct {
	ID                 string `json:"id"`
	Timestamp          string `json:"timestamp"`
	SessionKeyHash     string `json:"session_key_hash"`
	Recipient          string `json:"recipient"`
	AmountSmallestUnit string `json:"amount_smallest_unit"`
	AmountUSD          string `json:"amount_usd"`
	TokenSymbolOrAddr  string `json:"token_symbol_or_addr"`
	ChainID            int64  `json:"chain_id"`
	Status             string `json:"status"`
	TxHash             string `json:"tx_hash"`
	Protocol           string `json:"protocol"`
}

func toExportRecord(r *Record) exportRecord {
	return exportRecord{
		ID:                 r.ID,
		Timestamp:          r.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionKeyHash:     r.SessionKeyHash,
		Recipient:          r.Recipient,
		AmountSmallestUnit: r.AmountSmallestUnit,
		AmountUSD:          r.AmountUSD.String(),
		TokenSymbolOrAddr:  r.TokenSymbolOrAddr,
		ChainID:            r.ChainID,
		Status:             r.Status,
		TxHash:             r.TxHash,
		Protocol:           r.Protocol,
	}
}

// ExportJSON writes records as a JSON array, with every bigint-valued
// field (AmountSmallestUnit, AmountUSD) kept as a decimal string so
// downstream consumers never lose precision decoding into a float64.
func ExportJSON(w io.Writer, records []*Record) error {
	out := make([]exportRecord, len(records))
	for i, r := range records {
		out[i] = toExportRecord(r)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

var csvHeader = []string{
	"id", "timestamp", "session_key_hash", "recipient", "amount_smallest_unit",
	"amount_usd", "token_symbol_or_addr", "chain_id", "status", "tx_hash", "protocol",
}

// ExportCSV writes records as CSV. encoding/csv already quotes any field
// containing a comma, quote, or newline per RFC 4180, so no field needs
// manual escaping here.
func ExportCSV(w io.Writer, records []*Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("auditlog: export csv header: %w", err)
	}
	for _, r := range records {
		e := toExportRecord(r)
		row := []string{
			e.ID, e.Timestamp, e.SessionKeyHash, e.Recipient, e.AmountSmallestUnit,
			e.AmountUSD, e.TokenSymbolOrAddr, strconv.FormatInt(e.ChainID, 10),
			e.Status, e.TxHash, e.Protocol,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("auditlog: export csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
