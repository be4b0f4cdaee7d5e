// Package tax computes sales tax for a charge from the business and customer
// locations, the product type, and an optional exemption certificate.
package tax

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrExemptionNotFound = errors.New("tax: exemption not found")
	ErrUnknownExemption  = errors.New("tax: unknown exemption type")
)

// Location is a postal location. Only State drives rate selection.
type Location struct {
	State      string `json:"state"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// ProductType adjusts which rates apply.
type ProductType string

const (
	ProductGeneral ProductType = "general"
	ProductMedical ProductType = "medical"
	ProductFood    ProductType = "food"
	ProductDigital ProductType = "digital"
	ProductAlcohol ProductType = "alcohol"
	ProductTobacco ProductType = "tobacco"
)

// Valid reports whether p is a known product type. Empty means general.
func (p ProductType) Valid() bool {
	switch p {
	case "", ProductGeneral, ProductMedical, ProductFood, ProductDigital, ProductAlcohol, ProductTobacco:
		return true
	}
	return false
}

// Type is the kind of levy on a breakdown line.
type Type string

const (
	TypeState  Type = "state"
	TypeLocal  Type = "local"
	TypeExcise Type = "excise"
)

// ExemptionType names the certificate class.
type ExemptionType string

const (
	ExemptNonprofit     ExemptionType = "nonprofit"
	ExemptGovernment    ExemptionType = "government"
	ExemptEducational   ExemptionType = "educational"
	ExemptMedical       ExemptionType = "medical"
	ExemptResale        ExemptionType = "resale"
	ExemptManufacturing ExemptionType = "manufacturing"
	ExemptAgriculture   ExemptionType = "agriculture"
	ExemptFoodStamps    ExemptionType = "food_stamps"
)

// ExemptionTypes lists every certificate class.
var ExemptionTypes = []ExemptionType{
	ExemptNonprofit, ExemptGovernment, ExemptEducational, ExemptMedical,
	ExemptResale, ExemptManufacturing, ExemptAgriculture, ExemptFoodStamps,
}

// exemptTypes lists the levies each certificate class removes.
var exemptTypes = map[ExemptionType][]Type{
	ExemptNonprofit:     {TypeState, TypeLocal},
	ExemptGovernment:    {TypeState, TypeLocal, TypeExcise},
	ExemptEducational:   {TypeState, TypeLocal},
	ExemptMedical:       {TypeState, TypeLocal},
	ExemptResale:        {TypeState, TypeLocal},
	ExemptManufacturing: {TypeState},
	ExemptAgriculture:   {TypeState, TypeLocal},
	ExemptFoodStamps:    {TypeState, TypeLocal},
}

// exemptProducts restricts a certificate class to some product types.
// Classes not listed apply to every product.
var exemptProducts = map[ExemptionType][]ProductType{
	ExemptFoodStamps: {ProductFood},
}

// Valid reports whether e is a known certificate class.
func (e ExemptionType) Valid() bool {
	_, ok := exemptTypes[e]
	return ok
}

// AppliesTo reports whether the certificate class covers purchases of p.
func (e ExemptionType) AppliesTo(p ProductType) bool {
	allowed, ok := exemptProducts[e]
	if !ok {
		return true
	}
	for _, x := range allowed {
		if x == p {
			return true
		}
	}
	return false
}

// Exempts reports whether the exemption class removes levies of type t.
func (e ExemptionType) Exempts(t Type) bool {
	for _, x := range exemptTypes[e] {
		if x == t {
			return true
		}
	}
	return false
}

// Exemption is a tax exemption certificate held by a business's customer
// or by the business itself.
type Exemption struct {
	ID                string        `json:"id"`
	BusinessID        string        `json:"businessId"`
	Type              ExemptionType `json:"type"`
	CertificateNumber string        `json:"certificateNumber,omitempty"`
	Jurisdiction      string        `json:"jurisdiction,omitempty"` // state code; empty covers all states
	Active            bool          `json:"active"`
	ValidFrom         time.Time     `json:"validFrom"`
	ValidUntil        *time.Time    `json:"validUntil,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// ValidAt reports whether the certificate is usable at t.
func (e *Exemption) ValidAt(t time.Time) bool {
	if !e.Active || t.Before(e.ValidFrom) {
		return false
	}
	return e.ValidUntil == nil || !t.After(*e.ValidUntil)
}

// Covers reports whether the certificate applies in the given state.
func (e *Exemption) Covers(state string) bool {
	return e.Jurisdiction == "" || e.Jurisdiction == state
}

// Request is the input to a calculation. Amount is in minor units.
type Request struct {
	BusinessID       string      `json:"businessId"`
	Amount           int64       `json:"amount"`
	BusinessLocation *Location   `json:"businessLocation"`
	CustomerLocation *Location   `json:"customerLocation,omitempty"`
	ProductType      ProductType `json:"productType,omitempty"`
	ExemptionID      string      `json:"exemptionId,omitempty"`
	At               time.Time   `json:"-"`
}

// Line is one levy in the breakdown.
type Line struct {
	Jurisdiction string          `json:"jurisdiction"`
	TaxType      Type            `json:"taxType"`
	Rate         decimal.Decimal `json:"rate"`
	Amount       int64           `json:"amount"`
	Exempt       bool            `json:"exempt,omitempty"`
}

// Result is the computed tax. Exempt lines stay in Breakdown but are not
// part of TaxAmount or TaxRate.
type Result struct {
	TaxAmount        int64           `json:"taxAmount"`
	TaxRate          decimal.Decimal `json:"taxRate"`
	Jurisdiction     string          `json:"jurisdiction"`
	ExemptionApplied bool            `json:"exemptionApplied"`
	Breakdown        []Line          `json:"breakdown"`
}

// ExemptionStore persists exemption certificates.
type ExemptionStore interface {
	Create(ctx context.Context, e *Exemption) error
	Get(ctx context.Context, id string) (*Exemption, error)
	ListByBusiness(ctx context.Context, businessID string) ([]*Exemption, error)
	Deactivate(ctx context.Context, id string) error
}
