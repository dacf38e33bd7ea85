// Package customer builds the customer records used by each synthetic order.
package customer

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/ahmethakanbesel/campaign-runner/internal/mapping"
	"github.com/ahmethakanbesel/campaign-runner/internal/table"
)

// DefaultPrice is used when a job has no fixed price and a row has none.
const DefaultPrice = 6000.0

// Record is the canonical customer shape consumed by a single order.
type Record struct {
	Name  string  `json:"name"`
	Phone string  `json:"phone"`
	City  string  `json:"city"`
	Price float64 `json:"price"`
}

// FirstName returns the first word of the full name.
func (r Record) FirstName() string {
	parts := strings.Fields(r.Name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// LastName returns everything after the first word of the full name.
func (r Record) LastName() string {
	parts := strings.Fields(r.Name)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], " ")
}

var (
	firstNames = []string{"Ahmed", "Mohamed", "Fatima", "Amina", "Youssef", "Sara", "Ali", "Leila", "Omar", "Nadia"}
	lastNames  = []string{"Benali", "Mansouri", "Khalil", "Saidi", "Amari", "Bouazza", "Hamdi", "Rami"}
	cities     = []string{"Alger", "Oran", "Constantine", "Annaba", "Blida", "Batna", "Sétif", "Tlemcen"}
)

// Generator produces random customer records. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewGenerator(seed uint64) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *Generator) pick(list []string) string {
	return list[g.rnd.IntN(len(list))]
}

// Random returns a fully random record priced at price.
func (g *Generator) Random(price float64) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Record{
		Name:  g.pick(firstNames) + " " + g.pick(lastNames),
		Phone: g.phone(),
		City:  g.pick(cities),
		Price: price,
	}
}

func (g *Generator) phone() string {
	return fmt.Sprintf("0%d", 500000000+g.rnd.IntN(299999999))
}

// Resolver turns table rows into records through a confirmed column mapping.
type Resolver struct {
	gen          *Generator
	table        *table.Table
	idx          map[mapping.Field]int
	defaultPrice float64
}

// NewResolver prepares row resolution. tbl may be nil, in which case every
// record is random.
func NewResolver(gen *Generator, tbl *table.Table, m *mapping.ColumnMapping, defaultPrice float64) *Resolver {
	r := &Resolver{gen: gen, table: tbl, defaultPrice: defaultPrice}
	if tbl != nil && m != nil {
		r.idx = m.Indexes(tbl.Headers)
	}
	return r
}

// Resolve returns the record for unit i. Missing rows or cells fall back to
// random values field by field; an unusable price falls back to the default.
func (r *Resolver) Resolve(i int) Record {
	rnd := r.gen.Random(r.defaultPrice)
	if r.idx == nil || i >= r.table.Len() {
		return rnd
	}

	rec := rnd
	if v := r.cell(i, mapping.FieldName); v != "" {
		rec.Name = v
	}
	if v := r.cell(i, mapping.FieldPhone); v != "" {
		rec.Phone = v
	}
	if v := r.cell(i, mapping.FieldCity); v != "" {
		rec.City = v
	}
	rec.Price = ParsePrice(r.cell(i, mapping.FieldPrice), r.defaultPrice)
	return rec
}

func (r *Resolver) cell(i int, f mapping.Field) string {
	j, ok := r.idx[f]
	if !ok {
		return ""
	}
	return r.table.Cell(i, j)
}

// ParsePrice reads a loosely formatted amount such as "4 500,00 DA".
// Values that are empty, unparseable or not positive yield fallback.
func ParsePrice(s string, fallback float64) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return fallback
	}
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
