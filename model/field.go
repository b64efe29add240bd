package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type FieldKind string

const (
	KindText     FieldKind = "text"
	KindNumber   FieldKind = "number"
	KindDropdown FieldKind = "dropdown"
	KindCheckbox FieldKind = "checkbox"
	KindDate     FieldKind = "date"
)

// DateLayout is the serialized form of date answers.
const DateLayout = "2006-01-02"

// FieldType is the type of a survey field. Only Dropdown carries options;
// the zero value is Text.
type FieldType struct {
	kind    FieldKind
	options []string
}

func Text() FieldType     { return FieldType{kind: KindText} }
func Number() FieldType   { return FieldType{kind: KindNumber} }
func Checkbox() FieldType { return FieldType{kind: KindCheckbox} }
func Date() FieldType     { return FieldType{kind: KindDate} }

// Dropdown builds a dropdown type. Options are trimmed and blanks dropped,
// order is preserved.
func Dropdown(options ...string) FieldType {
	return FieldType{kind: KindDropdown, options: CleanOptions(options)}
}

// ParseFieldType validates a kind tag and its options. Options given for a
// non-dropdown kind are discarded.
func ParseFieldType(kind string, options []string) (FieldType, error) {
	switch FieldKind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindText, "":
		return Text(), nil
	case KindNumber:
		return Number(), nil
	case KindCheckbox:
		return Checkbox(), nil
	case KindDate:
		return Date(), nil
	case KindDropdown:
		t := Dropdown(options...)
		if len(t.options) == 0 {
			return FieldType{}, Invalid("dropdown field requires at least one option")
		}
		return t, nil
	}
	return FieldType{}, Invalid("unknown field type %q", kind)
}

func (t FieldType) Kind() FieldKind {
	if t.kind == "" {
		return KindText
	}
	return t.kind
}

func (t FieldType) Options() []string {
	if len(t.options) == 0 {
		return nil
	}
	return append([]string(nil), t.options...)
}

// EncodeOptions returns the storage form of the options: a JSON list for
// dropdowns, empty for every other kind.
func (t FieldType) EncodeOptions() (string, error) {
	if t.Kind() != KindDropdown {
		return "", nil
	}
	data, err := json.Marshal(t.options)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeFieldType rebuilds a FieldType from its stored columns.
func DecodeFieldType(kind, options string) (FieldType, error) {
	var opts []string
	if FieldKind(kind) == KindDropdown && options != "" {
		if err := json.Unmarshal([]byte(options), &opts); err != nil {
			return FieldType{}, err
		}
	}
	if FieldKind(kind) == KindDropdown {
		return Dropdown(opts...), nil
	}
	return ParseFieldType(kind, nil)
}

// Normalize checks a raw answer against the type and returns the value to
// store. An empty answer is valid for every kind; an empty checkbox is false.
func (t FieldType) Normalize(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	switch t.Kind() {
	case KindText:
		return value, nil
	case KindCheckbox:
		if trimmed == "" {
			return "false", nil
		}
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return "", Invalid("%q is not a checkbox value", value)
		}
		return strconv.FormatBool(b), nil
	}

	if trimmed == "" {
		return "", nil
	}
	switch t.Kind() {
	case KindNumber:
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return "", Invalid("%q is not a number", value)
		}
	case KindDate:
		if _, err := time.Parse(DateLayout, trimmed); err != nil {
			return "", Invalid("%q is not a date (%s)", value, DateLayout)
		}
	case KindDropdown:
		found := false
		for _, opt := range t.options {
			if opt == trimmed {
				found = true
				break
			}
		}
		if !found {
			return "", Invalid("%q is not one of the options", value)
		}
	}
	return trimmed, nil
}

// CleanOptions trims every option and drops the blank ones, keeping order.
func CleanOptions(options []string) []string {
	out := make([]string, 0, len(options))
	for _, opt := range options {
		if opt = strings.TrimSpace(opt); opt != "" {
			out = append(out, opt)
		}
	}
	return out
}

type surveyFieldJSON struct {
	ID       int64    `json:"id"`
	SurveyID int64    `json:"survey_id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
	Position int      `json:"position"`
}

func (f SurveyField) MarshalJSON() ([]byte, error) {
	return json.Marshal(surveyFieldJSON{
		ID:       f.ID,
		SurveyID: f.SurveyID,
		Label:    f.Label,
		Type:     string(f.Type.Kind()),
		Options:  f.Type.Options(),
		Required: f.Required,
		Position: f.Position,
	})
}

func (f *SurveyField) UnmarshalJSON(data []byte) error {
	var v surveyFieldJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	t, err := ParseFieldType(v.Type, v.Options)
	if err != nil {
		return err
	}
	*f = SurveyField{
		ID:       v.ID,
		SurveyID: v.SurveyID,
		Label:    v.Label,
		Type:     t,
		Required: v.Required,
		Position: v.Position,
	}
	return nil
}
