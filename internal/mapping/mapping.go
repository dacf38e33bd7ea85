// Package mapping guesses which columns of an uploaded table hold the
// canonical customer fields.
package mapping

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Field string

const (
	FieldName  Field = "name"
	FieldPhone Field = "phone"
	FieldCity  Field = "city"
	FieldPrice Field = "price"
)

// Fields lists the canonical fields in detection order.
var Fields = []Field{FieldName, FieldPhone, FieldCity, FieldPrice}

// Required fields must be mapped before a tabular job may run.
var Required = []Field{FieldName, FieldPhone, FieldCity}

const (
	ScoreExact      = 100
	ScoreContains   = 90
	ScoreContained  = 85
	ScorePrefix     = 80
	ScoreSuffix     = 75
	AcceptThreshold = 75
)

var synonyms = map[Field][]string{
	FieldName: {
		"name", "nom", "client", "customer", "firstname", "first name",
		"prenom", "prénom", "fullname", "full name", "nom complet",
		"first_name", "cliente", "nom client", "ism", "al ism", "الاسم", "اسم",
	},
	FieldPhone: {
		"phone", "telephone", "tel", "mobile", "contact", "numero",
		"numéro", "phone number", "tel number", "gsm", "cellphone",
		"cell", "portable", "tél", "téléphone", "hatif", "raqm", "الهاتف", "هاتف",
	},
	FieldCity: {
		"city", "ville", "location", "address", "adresse", "town",
		"locality", "commune", "wilaya", "region", "région", "madina",
		"baladiya", "المدينة", "الولاية", "ولاية",
	},
	FieldPrice: {
		"price", "prix", "amount", "montant", "value", "valeur",
		"total", "cost", "coût", "cout", "tarif", "rate", "thaman", "السعر",
	},
}

// ColumnMapping assigns a source header to each canonical field together with
// the confidence of the guess.
type ColumnMapping struct {
	Columns    map[Field]string `json:"columns"`
	Confidence map[Field]int    `json:"confidence"`
	Confirmed  bool             `json:"confirmed,omitempty"`
}

// Detect scores every header against the synonym list of each field and keeps
// the best match per field.
func Detect(headers []string) ColumnMapping {
	m := ColumnMapping{
		Columns:    make(map[Field]string, len(Fields)),
		Confidence: make(map[Field]int, len(Fields)),
	}
	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = Normalize(h)
	}
	for _, f := range Fields {
		best, bestScore := "", 0
		for i, h := range normalized {
			for _, syn := range synonyms[f] {
				if s := score(h, Normalize(syn)); s > bestScore {
					best, bestScore = headers[i], s
				}
			}
		}
		m.Confidence[f] = bestScore
		if bestScore > 0 {
			m.Columns[f] = best
		}
	}
	return m
}

func score(header, synonym string) int {
	if header == "" || synonym == "" {
		return 0
	}
	if header == synonym {
		return ScoreExact
	}
	switch {
	case strings.Contains(header, synonym):
		return ScoreContains
	case strings.Contains(synonym, header):
		return ScoreContained
	case strings.HasPrefix(header, synonym):
		return ScorePrefix
	case strings.HasSuffix(header, synonym):
		return ScoreSuffix
	}
	return 0
}

// Normalize lowercases s, strips diacritics and removes spaces, underscores
// and hyphens.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Column returns the header mapped to f.
func (m ColumnMapping) Column(f Field) (string, bool) {
	c, ok := m.Columns[f]
	return c, ok && c != ""
}

// AutoAcceptable reports whether every required field was detected with
// enough confidence to skip manual confirmation. Price never blocks.
func (m ColumnMapping) AutoAcceptable() bool {
	for _, f := range Required {
		if _, ok := m.Column(f); !ok {
			return false
		}
		if m.Confidence[f] < AcceptThreshold {
			return false
		}
	}
	return true
}

// Ready reports whether rows may be processed with this mapping against the
// given headers: either the detection is auto-acceptable or a user confirmed
// it, and every required column exists in the table.
func (m ColumnMapping) Ready(headers []string) bool {
	if !m.AutoAcceptable() && !m.Confirmed {
		return false
	}
	for _, f := range Required {
		c, ok := m.Column(f)
		if !ok || !slices.Contains(headers, c) {
			return false
		}
	}
	return true
}

// Indexes resolves every mapped field to its column position in headers.
func (m ColumnMapping) Indexes(headers []string) map[Field]int {
	idx := make(map[Field]int, len(m.Columns))
	for f, c := range m.Columns {
		if i := slices.Index(headers, c); i >= 0 {
			idx[f] = i
		}
	}
	return idx
}

// Label renders a confidence score for humans.
func Label(score int) string {
	switch {
	case score >= 95:
		return "Excellent"
	case score >= 85:
		return "Very Good"
	case score >= 75:
		return "Good"
	case score >= 60:
		return "Fair"
	default:
		return "Low"
	}
}
