package main

import (
	"strings"
	"testing"
)

func TestParseDirectoryFile(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		recs, err := parseDirectoryFile(strings.NewReader(`
counterparties:
  - identifier: acme.com
    display_name: Acme Ltd
    active: true
    enrichment:
      department_code: OPS
      ledger_code: "6100"
  - identifier: Globex Corporation
    active: false
`))
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 {
			t.Fatalf("expected 2 records, got %d", len(recs))
		}
		if recs[0].Enrichment.LedgerCode != "6100" || !recs[0].Active {
			t.Errorf("unexpected first record %+v", recs[0])
		}
		if recs[1].Active {
			t.Error("second record should be inactive")
		}
	})

	t.Run("Empty File", func(t *testing.T) {
		recs, err := parseDirectoryFile(strings.NewReader(""))
		if err != nil || recs != nil {
			t.Errorf("expected no records and no error, got %v, %v", recs, err)
		}
	})

	t.Run("Unknown Field", func(t *testing.T) {
		if _, err := parseDirectoryFile(strings.NewReader("counterparties:\n  - identifer: typo.com\n")); err == nil {
			t.Error("expected unknown field error")
		}
	})
}
