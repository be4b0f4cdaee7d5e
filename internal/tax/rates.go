package tax

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed rates.yaml
var defaultRatesYAML []byte

// Sourcing decides whose location governs the rate.
type Sourcing string

const (
	SourcingOrigin      Sourcing = "origin"
	SourcingDestination Sourcing = "destination"
)

// StateRates are the rates for one state.
type StateRates struct {
	State    decimal.Decimal
	Local    decimal.Decimal
	Sourcing Sourcing
}

// RateTable maps state codes to rates.
type RateTable struct {
	fallback StateRates
	states   map[string]StateRates
	excise   map[ProductType]decimal.Decimal
}

type rawRates struct {
	State    string `yaml:"state"`
	Local    string `yaml:"local"`
	Sourcing string `yaml:"sourcing"`
}

type rawTable struct {
	Default rawRates            `yaml:"default"`
	States  map[string]rawRates `yaml:"states"`
	Excise  map[string]string   `yaml:"excise"`
}

var (
	defaultTable     *RateTable
	defaultTableOnce sync.Once
)

// DefaultRateTable returns the rate table compiled into the binary.
func DefaultRateTable() *RateTable {
	defaultTableOnce.Do(func() {
		t, err := ParseRateTable(defaultRatesYAML)
		if err != nil {
			panic("tax: embedded rate table is invalid: " + err.Error())
		}
		defaultTable = t
	})
	return defaultTable
}

// ParseRateTable decodes a YAML rate table.
func ParseRateTable(data []byte) (*RateTable, error) {
	var raw rawTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rate table: %w", err)
	}

	fallback, err := raw.Default.parse()
	if err != nil {
		return nil, fmt.Errorf("default rates: %w", err)
	}

	t := &RateTable{
		fallback: fallback,
		states:   make(map[string]StateRates, len(raw.States)),
		excise:   make(map[ProductType]decimal.Decimal, len(raw.Excise)),
	}
	for code, r := range raw.States {
		rates, err := r.parse()
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", code, err)
		}
		t.states[strings.ToUpper(code)] = rates
	}
	for product, rate := range raw.Excise {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("excise %s: %w", product, err)
		}
		t.excise[ProductType(product)] = d
	}
	return t, nil
}

func (r rawRates) parse() (StateRates, error) {
	state, err := decimal.NewFromString(r.State)
	if err != nil {
		return StateRates{}, fmt.Errorf("state rate: %w", err)
	}
	local := decimal.Zero
	if r.Local != "" {
		if local, err = decimal.NewFromString(r.Local); err != nil {
			return StateRates{}, fmt.Errorf("local rate: %w", err)
		}
	}
	if state.IsNegative() || local.IsNegative() {
		return StateRates{}, fmt.Errorf("rates must not be negative")
	}
	sourcing := Sourcing(r.Sourcing)
	switch sourcing {
	case SourcingOrigin, SourcingDestination:
	case "":
		sourcing = SourcingDestination
	default:
		return StateRates{}, fmt.Errorf("unknown sourcing %q", r.Sourcing)
	}
	return StateRates{State: state, Local: local, Sourcing: sourcing}, nil
}

// Lookup returns the rates for a state code, or the default rates for
// states not in the table.
func (t *RateTable) Lookup(state string) StateRates {
	if r, ok := t.states[strings.ToUpper(state)]; ok {
		return r
	}
	return t.fallback
}

// Excise returns the excise rate for a product type, if any.
func (t *RateTable) Excise(p ProductType) (decimal.Decimal, bool) {
	d, ok := t.excise[p]
	return d, ok
}
