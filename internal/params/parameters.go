package params

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTokenSystem is the code system recorded for tokens extracted
// without a system.
const DefaultTokenSystem = "default-token-system"

// SearchParameterValue is one typed value extracted from a resource.
type SearchParameterValue interface {
	ParameterName() string
}

// ResourceParameters is the extraction output for a single stored resource.
type ResourceParameters struct {
	ResourceType      string
	LogicalID         string
	LogicalResourceID int64
	Parameters        []SearchParameterValue
}

type StringParameter struct {
	Name        string
	Value       string
	CompositeID *int32
	WholeSystem bool
}

type NumberParameter struct {
	Name        string
	Value       decimal.NullDecimal
	Low         decimal.NullDecimal
	High        decimal.NullDecimal
	CompositeID *int32
}

type DateParameter struct {
	Name        string
	Start       time.Time
	End         time.Time
	CompositeID *int32
	WholeSystem bool
}

type QuantityParameter struct {
	Name        string
	System      string
	Code        string
	Value       decimal.NullDecimal
	Low         decimal.NullDecimal
	High        decimal.NullDecimal
	CompositeID *int32
}

type LocationParameter struct {
	Name        string
	Latitude    float64
	Longitude   float64
	CompositeID *int32
}

type TokenParameter struct {
	Name        string
	System      string
	Code        string
	CompositeID *int32
	WholeSystem bool
}

// TagParameter is a meta.tag coding.
type TagParameter struct {
	Name        string
	System      string
	Code        string
	WholeSystem bool
}

// SecurityParameter is a meta.security coding.
type SecurityParameter struct {
	Name        string
	System      string
	Code        string
	WholeSystem bool
}

// ProfileParameter is a canonical reference, split into url, version and
// fragment before it reaches this package.
type ProfileParameter struct {
	Name        string
	URL         string
	Version     string
	Fragment    string
	WholeSystem bool
}

// ReferenceParameter points at another logical resource. RefVersionID is
// only set for versioned references.
type ReferenceParameter struct {
	Name         string
	ResourceType string
	LogicalID    string
	RefVersionID *int32
	CompositeID  *int32
}

func (p *StringParameter) ParameterName() string    { return p.Name }
func (p *NumberParameter) ParameterName() string    { return p.Name }
func (p *DateParameter) ParameterName() string      { return p.Name }
func (p *QuantityParameter) ParameterName() string  { return p.Name }
func (p *LocationParameter) ParameterName() string  { return p.Name }
func (p *TokenParameter) ParameterName() string     { return p.Name }
func (p *TagParameter) ParameterName() string       { return p.Name }
func (p *SecurityParameter) ParameterName() string  { return p.Name }
func (p *ProfileParameter) ParameterName() string   { return p.Name }
func (p *ReferenceParameter) ParameterName() string { return p.Name }

func tokenSystem(system string) string {
	if system == "" {
		return DefaultTokenSystem
	}
	return system
}
