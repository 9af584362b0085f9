package casefile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrUnknownFieldKind is returned for a field whose __typename is not part of the union.
var ErrUnknownFieldKind = errors.New("unknown field kind")

// FieldKind is the GraphQL __typename of a case field.
type FieldKind string

const (
	KindCheckbox       FieldKind = "CheckboxChamp"
	KindText           FieldKind = "TextChamp"
	KindDate           FieldKind = "DateChamp"
	KindDecimal        FieldKind = "DecimalNumberChamp"
	KindInteger        FieldKind = "IntegerNumberChamp"
	KindMultipleChoice FieldKind = "MultipleDropDownListChamp"
	KindAddress        FieldKind = "AddressChamp"
	KindLinkedDropDown FieldKind = "LinkedDropDownListChamp"
)

// Field is one public field or private annotation of a case. The set of
// implementations is closed: see ParseField.
type Field interface {
	ID() string
	Label() string
	Kind() FieldKind
	isField()
}

type fieldBase struct {
	id    string
	label string
}

func (f fieldBase) ID() string    { return f.id }
func (f fieldBase) Label() string { return f.label }
func (fieldBase) isField()        {}

// CheckboxField is a yes/no field.
type CheckboxField struct {
	fieldBase
	Checked bool
}

func (CheckboxField) Kind() FieldKind { return KindCheckbox }

// TextField is a free-text field.
type TextField struct {
	fieldBase
	Value string
}

func (TextField) Kind() FieldKind { return KindText }

// DateField holds a calendar date; Value is nil when unset.
type DateField struct {
	fieldBase
	Value *time.Time
}

func (DateField) Kind() FieldKind { return KindDate }

// DecimalField holds a decimal number, typically an amount in euros.
type DecimalField struct {
	fieldBase
	Value decimal.NullDecimal
}

func (DecimalField) Kind() FieldKind { return KindDecimal }

// IntegerField holds an integer number.
type IntegerField struct {
	fieldBase
	Value *int64
}

func (IntegerField) Kind() FieldKind { return KindInteger }

// MultipleChoiceField holds the selected options of a multi-select list.
type MultipleChoiceField struct {
	fieldBase
	Values []string
}

func (MultipleChoiceField) Kind() FieldKind { return KindMultipleChoice }

// Address is a postal address resolved by the case system.
type Address struct {
	Label          string `json:"label"`
	PostalCode     string `json:"postal_code"`
	CityName       string `json:"city_name"`
	CityCode       string `json:"city_code"`
	DepartmentCode string `json:"department_code"`
	RegionCode     string `json:"region_code"`
}

// AddressField holds an address; Value is nil when unset.
type AddressField struct {
	fieldBase
	Value *Address
}

func (AddressField) Kind() FieldKind { return KindAddress }

// LinkedDropDownField holds a two-level selection.
type LinkedDropDownField struct {
	fieldBase
	Primary   string
	Secondary string
}

func (LinkedDropDownField) Kind() FieldKind { return KindLinkedDropDown }

// ParseField decodes one element of a champs/annotations array.
func ParseField(r gjson.Result) (Field, error) {
	base := fieldBase{id: r.Get("id").String(), label: strings.TrimSpace(r.Get("label").String())}
	kind := FieldKind(r.Get("__typename").String())

	switch kind {
	case KindCheckbox:
		checked := r.Get("checked")
		if !checked.Exists() {
			checked = r.Get("value")
		}
		return CheckboxField{fieldBase: base, Checked: checked.Bool()}, nil

	case KindText:
		return TextField{fieldBase: base, Value: r.Get("stringValue").String()}, nil

	case KindDate:
		f := DateField{fieldBase: base}
		raw := r.Get("date").String()
		if raw == "" {
			return f, nil
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid date %q: %w", base.label, raw, err)
		}
		f.Value = &d
		return f, nil

	case KindDecimal:
		f := DecimalField{fieldBase: base}
		v := r.Get("decimalNumber")
		if !v.Exists() || v.Type == gjson.Null {
			return f, nil
		}
		raw := v.Raw
		if v.Type == gjson.String {
			raw = v.Str
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid decimal %q: %w", base.label, raw, err)
		}
		f.Value = decimal.NewNullDecimal(d)
		return f, nil

	case KindInteger:
		f := IntegerField{fieldBase: base}
		v := r.Get("integerNumber")
		if !v.Exists() || v.Type == gjson.Null {
			return f, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid integer %q: %w", base.label, v.String(), err)
		}
		f.Value = &n
		return f, nil

	case KindMultipleChoice:
		f := MultipleChoiceField{fieldBase: base}
		for _, v := range r.Get("values").Array() {
			f.Values = append(f.Values, v.String())
		}
		return f, nil

	case KindAddress:
		f := AddressField{fieldBase: base}
		a := r.Get("address")
		if !a.Exists() || a.Type == gjson.Null {
			return f, nil
		}
		f.Value = &Address{
			Label:          a.Get("label").String(),
			PostalCode:     a.Get("postalCode").String(),
			CityName:       a.Get("cityName").String(),
			CityCode:       a.Get("cityCode").String(),
			DepartmentCode: a.Get("departmentCode").String(),
			RegionCode:     a.Get("regionCode").String(),
		}
		return f, nil

	case KindLinkedDropDown:
		return LinkedDropDownField{
			fieldBase: base,
			Primary:   r.Get("primaryValue").String(),
			Secondary: r.Get("secondaryValue").String(),
		}, nil
	}

	return nil, fmt.Errorf("field %q: %w: %s", base.label, ErrUnknownFieldKind, kind)
}
