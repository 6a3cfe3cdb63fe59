package params

import "fmt"

// BatchParameterValue is one extracted parameter waiting in a batch. It holds
// pointers to the dictionary values it references; those are filled in by
// the resolve pass and must all be resolved before the value is written.
//
// The concrete types are BatchStringValue, BatchNumberValue, BatchDateValue,
// BatchQuantityValue, BatchLocationValue, BatchTokenValue, BatchTagValue,
// BatchSecurityValue, BatchProfileValue and BatchReferenceValue.
type BatchParameterValue interface {
	Owner() *BatchResource
}

// BatchResource is the resource that owns a batch of parameter values. Ident
// is resolved through logical_resource_ident when the caller did not supply
// the logical_resource_id.
type BatchResource struct {
	ResourceType string
	Ident        *LogicalResourceIdentValue
}

type BatchStringValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Param    *StringParameter
}

type BatchNumberValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Param    *NumberParameter
}

type BatchDateValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Param    *DateParameter
}

type BatchQuantityValue struct {
	Resource   *BatchResource
	Name       *ParameterNameValue
	CodeSystem *CodeSystemValue
	Param      *QuantityParameter
}

type BatchLocationValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Param    *LocationParameter
}

type BatchTokenValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Token    *CommonTokenValue
	Param    *TokenParameter
}

type BatchTagValue struct {
	Resource *BatchResource
	Token    *CommonTokenValue
	Param    *TagParameter
}

type BatchSecurityValue struct {
	Resource *BatchResource
	Token    *CommonTokenValue
	Param    *SecurityParameter
}

type BatchProfileValue struct {
	Resource  *BatchResource
	Canonical *CommonCanonicalValue
	Param     *ProfileParameter
}

type BatchReferenceValue struct {
	Resource *BatchResource
	Name     *ParameterNameValue
	Ref      *LogicalResourceIdentValue
	Param    *ReferenceParameter
}

func (v *BatchStringValue) Owner() *BatchResource    { return v.Resource }
func (v *BatchNumberValue) Owner() *BatchResource    { return v.Resource }
func (v *BatchDateValue) Owner() *BatchResource      { return v.Resource }
func (v *BatchQuantityValue) Owner() *BatchResource  { return v.Resource }
func (v *BatchLocationValue) Owner() *BatchResource  { return v.Resource }
func (v *BatchTokenValue) Owner() *BatchResource     { return v.Resource }
func (v *BatchTagValue) Owner() *BatchResource       { return v.Resource }
func (v *BatchSecurityValue) Owner() *BatchResource  { return v.Resource }
func (v *BatchProfileValue) Owner() *BatchResource   { return v.Resource }
func (v *BatchReferenceValue) Owner() *BatchResource { return v.Resource }

type resolvable interface {
	Resolved() bool
	String() string
}

func requireResolved(refs ...resolvable) error {
	var missing []string
	for _, r := range refs {
		if !r.Resolved() {
			missing = append(missing, r.String())
		}
	}
	if len(missing) > 0 {
		return &PersistenceError{Op: "write", Keys: missing, Err: fmt.Errorf("%w: unresolved reference", ErrInvalidState)}
	}
	return nil
}

// writeValue routes v to the writer. Every dictionary value it references
// must already carry its id.
func writeValue(w *ParameterWriter, v BatchParameterValue) error {
	owner := v.Owner()
	rt, lrid := owner.ResourceType, owner.Ident.LogicalResourceID

	switch v := v.(type) {
	case *BatchStringValue:
		if err := requireResolved(owner.Ident, v.Name); err != nil {
			return err
		}
		p := v.Param
		return w.AddString(rt, lrid, v.Name.ID, p.Value, NormalizeForSearch(p.Value), p.CompositeID, p.WholeSystem)
	case *BatchNumberValue:
		if err := requireResolved(owner.Ident, v.Name); err != nil {
			return err
		}
		p := v.Param
		return w.AddNumber(rt, lrid, v.Name.ID, p.Value, p.Low, p.High, p.CompositeID)
	case *BatchDateValue:
		if err := requireResolved(owner.Ident, v.Name); err != nil {
			return err
		}
		p := v.Param
		return w.AddDate(rt, lrid, v.Name.ID, p.Start, p.End, p.CompositeID, p.WholeSystem)
	case *BatchQuantityValue:
		if err := requireResolved(owner.Ident, v.Name, v.CodeSystem); err != nil {
			return err
		}
		p := v.Param
		return w.AddQuantity(rt, lrid, v.Name.ID, v.CodeSystem.ID, p.Code, p.Value, p.Low, p.High, p.CompositeID)
	case *BatchLocationValue:
		if err := requireResolved(owner.Ident, v.Name); err != nil {
			return err
		}
		p := v.Param
		return w.AddLocation(rt, lrid, v.Name.ID, p.Latitude, p.Longitude, p.CompositeID)
	case *BatchTokenValue:
		if err := requireResolved(owner.Ident, v.Name, v.Token); err != nil {
			return err
		}
		return w.AddToken(rt, lrid, v.Name.ID, v.Token.ID, v.Param.CompositeID, v.Param.WholeSystem)
	case *BatchTagValue:
		if err := requireResolved(owner.Ident, v.Token); err != nil {
			return err
		}
		return w.AddTag(rt, lrid, v.Token.ID, v.Param.WholeSystem)
	case *BatchSecurityValue:
		if err := requireResolved(owner.Ident, v.Token); err != nil {
			return err
		}
		return w.AddSecurity(rt, lrid, v.Token.ID, v.Param.WholeSystem)
	case *BatchProfileValue:
		if err := requireResolved(owner.Ident, v.Canonical); err != nil {
			return err
		}
		p := v.Param
		return w.AddProfile(rt, lrid, v.Canonical.ID, p.Version, p.Fragment, p.WholeSystem)
	case *BatchReferenceValue:
		if err := requireResolved(owner.Ident, v.Name, v.Ref); err != nil {
			return err
		}
		p := v.Param
		return w.AddReference(rt, lrid, v.Name.ID, v.Ref.LogicalResourceID, p.RefVersionID, p.CompositeID)
	default:
		return fmt.Errorf("%w: unsupported batch value %T", ErrInvalidState, v)
	}
}
