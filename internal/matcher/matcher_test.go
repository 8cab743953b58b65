package matcher

import (
	"reflect"
	"testing"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme, Inc.", "acme"},
		{"ACME Co Ltd", "acme"},
		{"Société Générale S.A.", "societe generale"},
		{"Müller GmbH", "muller"},
		{"  Foo   Bar  ", "foo bar"},
		{"Smith & Sons", "smith sons"},
		{"Co", "co"},
		{"", ""},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			if got := NormalizeName(c.in); got != c.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Acme.COM.":             "acme.com",
		"Acme, Inc.":            "acme",
		"Société Générale S.A.": "societe generale",
		"globex":                "globex",
	}
	for in, want := range cases {
		if got := NormalizeKey(in); got != want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractIdentifier(t *testing.T) {
	t.Run("Plain Address", func(t *testing.T) {
		id := ExtractIdentifier("billing@Mail.Acme.com", "")
		if id.Domain != "mail.acme.com" || id.Registrable != "acme.com" || id.Label() != "acme" {
			t.Errorf("unexpected identifier %+v", id)
		}
	})

	t.Run("Address With Display Name", func(t *testing.T) {
		id := ExtractIdentifier("Acme Billing <billing@acme.co.uk>", "")
		if id.Domain != "acme.co.uk" || id.Registrable != "acme.co.uk" {
			t.Errorf("unexpected domain %+v", id)
		}
		if id.Name != "acme billing" {
			t.Errorf("expected name from address, got %q", id.Name)
		}
	})

	t.Run("Malformed Address Keeps Name", func(t *testing.T) {
		id := ExtractIdentifier("not-an-address", "Globex Ltd")
		if id.Domain != "" {
			t.Errorf("expected empty domain, got %q", id.Domain)
		}
		if id.Name != "globex" || id.Key() != "globex" {
			t.Errorf("unexpected name %+v", id)
		}
	})

	t.Run("Nothing Usable", func(t *testing.T) {
		id := ExtractIdentifier("root@localhost", "")
		if !id.Empty() {
			t.Errorf("expected empty identifier, got %+v", id)
		}
	})
}

func testSnapshot() *domain.DirectorySnapshot {
	return domain.NewDirectorySnapshot([]domain.CounterpartyRecord{
		{Identifier: "acme.com", DisplayName: "Acme Corporation", Active: true, Enrichment: domain.Enrichment{DepartmentCode: "FIN"}},
		{Identifier: "globex.example", DisplayName: "Globex Corporation", Active: true},
		{Identifier: "initech.example", DisplayName: "Initech", Active: true},
		{Identifier: "umbrella.example", DisplayName: "Umbrella", Active: false},
		{Identifier: "b-industries.example", DisplayName: "Acme Industriez", Active: true},
		{Identifier: "a-industries.example", DisplayName: "Acme Industriex", Active: true},
	}, time.Unix(0, 0))
}

func TestEngine_Match(t *testing.T) {
	engine, err := New(DefaultThreshold, DefaultMargin)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap := testSnapshot()

	t.Run("Exact By Registrable Domain", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@mail.acme.com", "Someone"), snap)
		if res.Method != domain.MatchExact || res.Confidence != 1.0 {
			t.Fatalf("expected exact match, got %+v", res)
		}
		if res.Counterparty.Identifier != "acme.com" || res.Counterparty.Enrichment.DepartmentCode != "FIN" {
			t.Errorf("wrong counterparty %+v", res.Counterparty)
		}
		if res.Identifier != "mail.acme.com" {
			t.Errorf("expected identifier mail.acme.com, got %q", res.Identifier)
		}
	})

	t.Run("Fuzzy By Display Name", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@freemail.example.org", "Globex Corporaton"), snap)
		if res.Method != domain.MatchFuzzy {
			t.Fatalf("expected fuzzy match, got %+v", res)
		}
		if res.Counterparty.Identifier != "globex.example" {
			t.Errorf("wrong counterparty %q", res.Counterparty.Identifier)
		}
		if res.Confidence < 0.9 || res.Confidence >= 1.0 {
			t.Errorf("unexpected confidence %v", res.Confidence)
		}
	})

	t.Run("Fuzzy By Domain Label", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@initech.com", ""), snap)
		if res.Method != domain.MatchFuzzy || res.Counterparty.Identifier != "initech.example" {
			t.Fatalf("expected fuzzy match on initech, got %+v", res)
		}
		if res.Confidence != 1.0 {
			t.Errorf("expected confidence 1.0, got %v", res.Confidence)
		}
	})

	t.Run("Ambiguous Candidates Rejected", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@freemail.example.org", "Acme Industries"), snap)
		if res.Matched() || res.Method != domain.MatchNone {
			t.Fatalf("expected no match, got %+v", res)
		}
		if res.Reason != domain.ReasonAmbiguous {
			t.Errorf("expected ambiguous, got %q", res.Reason)
		}
		// equal scores tie-break on identifier
		if res.Candidate != "a-industries.example" {
			t.Errorf("expected best candidate a-industries.example, got %q", res.Candidate)
		}
	})

	t.Run("Below Threshold", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@freemail.example.org", "Wayne Enterprises"), snap)
		if res.Matched() {
			t.Fatalf("expected no match, got %+v", res)
		}
		if res.Candidate == "" || res.Reason != domain.ReasonBelowThreshold {
			t.Errorf("expected rejected candidate below threshold, got %+v", res)
		}
	})

	t.Run("Inactive Record Ignored", func(t *testing.T) {
		res := engine.Match(ExtractIdentifier("ap@umbrella.example", "Umbrella"), snap)
		if res.Matched() {
			t.Fatalf("inactive record must not match, got %+v", res)
		}
	})

	t.Run("Empty Identifier", func(t *testing.T) {
		res := engine.Match(Identifier{}, snap)
		if res.Method != domain.MatchNone || res.Reason != domain.ReasonNoIdentifier {
			t.Fatalf("expected none, got %+v", res)
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		id := ExtractIdentifier("ap@freemail.example.org", "Acme Industries")
		first := engine.Match(id, snap)
		for i := 0; i < 20; i++ {
			if got := engine.Match(id, snap); !reflect.DeepEqual(first, got) {
				t.Fatalf("run %d differs: %+v vs %+v", i, first, got)
			}
		}
	})
}

func TestNew_RejectsBadParameters(t *testing.T) {
	if _, err := New(0, 0.05); err == nil {
		t.Error("expected error for zero threshold")
	}
	if _, err := New(0.85, 1.5); err == nil {
		t.Error("expected error for margin >= 1")
	}
	if _, err := New(1, 0.05); err == nil {
		t.Error("expected error for threshold 1, no score can exceed it")
	}
}

func TestFuzzyStrategy_ScoreMustExceedThreshold(t *testing.T) {
	snap := testSnapshot()
	id := ExtractIdentifier("ap@freemail.example.org", "Globex Corporaton")
	fuzzy := NewFuzzyStrategy(DefaultThreshold, DefaultMargin)
	ranked := fuzzy.Rank(fuzzy.Query(id), snap)
	if len(ranked) == 0 {
		t.Fatal("expected ranked candidates")
	}
	score := ranked[0].Score

	t.Run("Equal To Threshold Rejected", func(t *testing.T) {
		res, ok := NewFuzzyStrategy(score, DefaultMargin).Match(id, snap)
		if !ok {
			t.Fatal("expected a decisive result")
		}
		if res.Matched() || res.Reason != domain.ReasonBelowThreshold {
			t.Fatalf("expected rejection at score == threshold %v, got %+v", score, res)
		}
	})

	t.Run("Above Threshold Accepted", func(t *testing.T) {
		res, _ := NewFuzzyStrategy(score-0.01, DefaultMargin).Match(id, snap)
		if res.Method != domain.MatchFuzzy || res.Counterparty.Identifier != "globex.example" {
			t.Fatalf("expected fuzzy match above threshold, got %+v", res)
		}
	})
}
