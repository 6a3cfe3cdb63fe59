package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirparams/internal/params"
)

// MessageVersion is the only envelope version this loader understands.
const MessageVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported message version")

// Message is the envelope an extractor publishes for one stored resource
// version.
type Message struct {
	MessageVersion     int              `json:"messageVersion"`
	InstanceIdentifier string           `json:"instanceIdentifier,omitempty"`
	Data               SearchParameters `json:"data"`
}

// SearchParameters carries every value extracted from one resource version.
type SearchParameters struct {
	ResourceType      string    `json:"resourceType"`
	LogicalID         string    `json:"logicalId"`
	LogicalResourceID int64     `json:"logicalResourceId,omitempty"`
	VersionID         int       `json:"versionId"`
	LastUpdated       time.Time `json:"lastUpdated"`
	RequestShard      string    `json:"requestShard,omitempty"`
	ParameterHash     string    `json:"parameterHash,omitempty"`

	StringValues    []StringValue    `json:"stringValues,omitempty"`
	NumberValues    []NumberValue    `json:"numberValues,omitempty"`
	DateValues      []DateValue      `json:"dateValues,omitempty"`
	QuantityValues  []QuantityValue  `json:"quantityValues,omitempty"`
	LocationValues  []LocationValue  `json:"locationValues,omitempty"`
	TokenValues     []TokenValue     `json:"tokenValues,omitempty"`
	TagValues       []CodingValue    `json:"tagValues,omitempty"`
	SecurityValues  []CodingValue    `json:"securityValues,omitempty"`
	ProfileValues   []ProfileValue   `json:"profileValues,omitempty"`
	ReferenceValues []ReferenceValue `json:"referenceValues,omitempty"`
}

type StringValue struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	CompositeID *int32 `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type NumberValue struct {
	Name        string              `json:"name"`
	Value       decimal.NullDecimal `json:"value"`
	ValueLow    decimal.NullDecimal `json:"valueLow"`
	ValueHigh   decimal.NullDecimal `json:"valueHigh"`
	CompositeID *int32              `json:"compositeId,omitempty"`
}

type DateValue struct {
	Name        string    `json:"name"`
	Start       time.Time `json:"valueDateStart"`
	End         time.Time `json:"valueDateEnd"`
	CompositeID *int32    `json:"compositeId,omitempty"`
	WholeSystem bool      `json:"wholeSystem,omitempty"`
}

type QuantityValue struct {
	Name        string              `json:"name"`
	System      string              `json:"valueSystem"`
	Code        string              `json:"valueCode"`
	Value       decimal.NullDecimal `json:"valueNumber"`
	ValueLow    decimal.NullDecimal `json:"valueNumberLow"`
	ValueHigh   decimal.NullDecimal `json:"valueNumberHigh"`
	CompositeID *int32              `json:"compositeId,omitempty"`
}

type LocationValue struct {
	Name        string  `json:"name"`
	Latitude    float64 `json:"valueLatitude"`
	Longitude   float64 `json:"valueLongitude"`
	CompositeID *int32  `json:"compositeId,omitempty"`
}

type TokenValue struct {
	Name        string `json:"name"`
	System      string `json:"valueSystem,omitempty"`
	Code        string `json:"valueCode"`
	CompositeID *int32 `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

// CodingValue is a meta.tag or meta.security entry.
type CodingValue struct {
	Name        string `json:"name"`
	System      string `json:"valueSystem,omitempty"`
	Code        string `json:"valueCode"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type ProfileValue struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Version     string `json:"version,omitempty"`
	Fragment    string `json:"fragment,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type ReferenceValue struct {
	Name            string `json:"name"`
	RefResourceType string `json:"refResourceType"`
	RefLogicalID    string `json:"refLogicalId"`
	RefVersion      *int32 `json:"refVersion,omitempty"`
	CompositeID     *int32 `json:"compositeId,omitempty"`
}

// Validate rejects envelopes the processor cannot use.
func (m *Message) Validate() error {
	if m.MessageVersion != MessageVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.MessageVersion)
	}
	if m.Data.ResourceType == "" || m.Data.LogicalID == "" {
		return fmt.Errorf("message missing resourceType or logicalId")
	}
	return nil
}

// ResourceParameters converts the message payload into processor input.
func (m *Message) ResourceParameters() params.ResourceParameters {
	d := &m.Data
	rp := params.ResourceParameters{
		ResourceType:      d.ResourceType,
		LogicalID:         d.LogicalID,
		LogicalResourceID: d.LogicalResourceID,
	}
	for _, v := range d.StringValues {
		rp.Parameters = append(rp.Parameters, &params.StringParameter{
			Name: v.Name, Value: v.Value, CompositeID: v.CompositeID, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.NumberValues {
		rp.Parameters = append(rp.Parameters, &params.NumberParameter{
			Name: v.Name, Value: v.Value, Low: v.ValueLow, High: v.ValueHigh, CompositeID: v.CompositeID,
		})
	}
	for _, v := range d.DateValues {
		rp.Parameters = append(rp.Parameters, &params.DateParameter{
			Name: v.Name, Start: v.Start, End: v.End, CompositeID: v.CompositeID, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.QuantityValues {
		rp.Parameters = append(rp.Parameters, &params.QuantityParameter{
			Name: v.Name, System: v.System, Code: v.Code,
			Value: v.Value, Low: v.ValueLow, High: v.ValueHigh, CompositeID: v.CompositeID,
		})
	}
	for _, v := range d.LocationValues {
		rp.Parameters = append(rp.Parameters, &params.LocationParameter{
			Name: v.Name, Latitude: v.Latitude, Longitude: v.Longitude, CompositeID: v.CompositeID,
		})
	}
	for _, v := range d.TokenValues {
		rp.Parameters = append(rp.Parameters, &params.TokenParameter{
			Name: v.Name, System: v.System, Code: v.Code, CompositeID: v.CompositeID, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.TagValues {
		rp.Parameters = append(rp.Parameters, &params.TagParameter{
			Name: v.Name, System: v.System, Code: v.Code, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.SecurityValues {
		rp.Parameters = append(rp.Parameters, &params.SecurityParameter{
			Name: v.Name, System: v.System, Code: v.Code, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.ProfileValues {
		rp.Parameters = append(rp.Parameters, &params.ProfileParameter{
			Name: v.Name, URL: v.URL, Version: v.Version, Fragment: v.Fragment, WholeSystem: v.WholeSystem,
		})
	}
	for _, v := range d.ReferenceValues {
		rp.Parameters = append(rp.Parameters, &params.ReferenceParameter{
			Name: v.Name, ResourceType: v.RefResourceType, LogicalID: v.RefLogicalID,
			RefVersionID: v.RefVersion, CompositeID: v.CompositeID,
		})
	}
	return rp
}

// DecodeMessage parses and validates one JSON envelope.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeNDJSON reads one envelope per non-blank line. Decoding stops at the
// first invalid line; the error names its line number.
func DecodeNDJSON(r io.Reader) ([]Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		msgs []Message
		line int
	)
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		m, err := DecodeMessage(b)
		if err != nil {
			return msgs, fmt.Errorf("line %d: %w", line, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return msgs, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}
