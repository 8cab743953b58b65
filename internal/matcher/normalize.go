package matcher

import (
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var legalSuffixes = map[string]struct{}{
	"inc": {}, "llc": {}, "ltd": {}, "gmbh": {}, "corp": {}, "co": {},
	"plc": {}, "bv": {}, "sa": {}, "ag": {}, "limited": {}, "company": {},
}

// NormalizeName folds a display name into its comparison form: accents
// removed, lowercase, punctuation dropped, whitespace collapsed and trailing
// legal-form suffixes removed.
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/' || r == '&' || r == '+':
			b.WriteByte(' ')
		}
	}
	fields := strings.Fields(b.String())
	for len(fields) > 1 {
		if _, ok := legalSuffixes[fields[len(fields)-1]]; !ok {
			break
		}
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// NormalizeDomain lowercases a host and strips a trailing dot.
func NormalizeDomain(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// NormalizeKey folds a directory identifier: hosts keep their dots, anything
// else is treated as a name.
func NormalizeKey(s string) string {
	if d := NormalizeDomain(s); validDomain(d) {
		return d
	}
	return NormalizeName(s)
}

// Identifier is what the extraction stage derives from a sender.
type Identifier struct {
	// Domain is the full sender domain, empty when the address is malformed.
	Domain string
	// Registrable is the domain one label below the public suffix.
	Registrable string
	// Name is the normalized display name.
	Name string
}

// Empty reports whether nothing usable was extracted.
func (id Identifier) Empty() bool { return id.Domain == "" && id.Name == "" }

// Key returns the identifier recorded on audit rows and notifications.
func (id Identifier) Key() string {
	if id.Domain != "" {
		return id.Domain
	}
	return id.Name
}

// Label returns the registrable label, e.g. "acme" for "billing.acme.co.uk".
func (id Identifier) Label() string {
	if id.Registrable == "" {
		return ""
	}
	label, _, _ := strings.Cut(id.Registrable, ".")
	return label
}

// ExtractIdentifier parses the sender into a domain key and a name key. A
// malformed address leaves Domain empty; the display name still counts.
func ExtractIdentifier(address, displayName string) Identifier {
	id := Identifier{Name: NormalizeName(displayName)}
	addr := strings.TrimSpace(address)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
		if id.Name == "" {
			id.Name = NormalizeName(parsed.Name)
		}
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return id
	}
	domain := NormalizeDomain(addr[at+1:])
	if !validDomain(domain) {
		return id
	}
	id.Domain = domain
	if reg, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		id.Registrable = reg
	}
	return id
}

func validDomain(d string) bool {
	if d == "" || !strings.Contains(d, ".") || len(d) > 253 {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
				return false
			}
		}
	}
	return true
}
