package contact

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/ecademy/leadfunnel/internal/model"
)

// Kind classifies a field by the contact it carries.
type Kind int

const (
	KindNone Kind = iota
	KindPhone
	KindEmail
)

// DefaultPhoneKeywords and DefaultEmailKeywords are the field-name
// substrings recognized when no configuration overrides them.
var (
	DefaultPhoneKeywords = []string{"phone", "телефон", "number"}
	DefaultEmailKeywords = []string{"email", "e-mail", "адрес", "почта"}
)

// Extractor recognizes phone and email fields by case-insensitive substring
// match on the field name. It is safe for concurrent use.
type Extractor struct {
	phone []string
	email []string
}

// NewExtractor builds an Extractor. Empty keyword lists fall back to the
// defaults.
func NewExtractor(phoneKeywords, emailKeywords []string) *Extractor {
	e := &Extractor{}
	if len(phoneKeywords) == 0 {
		phoneKeywords = DefaultPhoneKeywords
	}
	if len(emailKeywords) == 0 {
		emailKeywords = DefaultEmailKeywords
	}
	e.phone = e.foldAll(phoneKeywords)
	e.email = e.foldAll(emailKeywords)
	return e
}

func (e *Extractor) foldAll(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = e.canon(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// canon folds case with a fresh Caser; Casers are stateful and must not be
// shared across goroutines.
func (e *Extractor) canon(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Kind classifies a field name. Phone keywords are checked first.
func (e *Extractor) Kind(fieldName string) Kind {
	name := e.canon(fieldName)
	if name == "" {
		return KindNone
	}
	for _, k := range e.phone {
		if strings.Contains(name, k) {
			return KindPhone
		}
	}
	for _, k := range e.email {
		if strings.Contains(name, k) {
			return KindEmail
		}
	}
	return KindNone
}

// Contacts returns the normalized first recognized phone and email of a
// lead. Either may be empty.
func (e *Extractor) Contacts(lead model.Lead) (phone, email string) {
	for _, fd := range lead.FieldData {
		kind := e.Kind(fd.Name)
		if kind == KindNone {
			continue
		}
		if (kind == KindPhone && phone != "") || (kind == KindEmail && email != "") {
			continue
		}
		for _, v := range fd.Values {
			fp, ok := Normalize(v)
			if !ok {
				continue
			}
			if kind == KindPhone {
				phone = fp
			} else {
				email = fp
			}
			break
		}
		if phone != "" && email != "" {
			break
		}
	}
	return phone, email
}

// Candidates returns the ordered match candidates of a lead: phone first,
// then email, skipping the ones the lead does not carry.
func (e *Extractor) Candidates(lead model.Lead) []string {
	phone, email := e.Contacts(lead)
	out := make([]string, 0, 2)
	if phone != "" {
		out = append(out, phone)
	}
	if email != "" && email != phone {
		out = append(out, email)
	}
	return out
}

// FieldContacts returns every raw contact value found in a flattened field
// map, for indexing CRM records whose contact fields have arbitrary names.
func (e *Extractor) FieldContacts(fields map[string][]string) []string {
	var out []string
	for name, values := range fields {
		if e.Kind(name) == KindNone {
			continue
		}
		out = append(out, values...)
	}
	return out
}
