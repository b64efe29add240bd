package surveys

import (
	"context"
	"strings"

	"github.com/gofrs/uuid"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/model"
)

// EditSession holds a survey definition while an editor works on it. The
// caller owns the session and hands it back with every edit; nothing is
// kept by this package.
type EditSession struct {
	ID           uuid.UUID          `json:"id"`
	SurveyID     int64              `json:"survey_id,omitempty"`
	Name         string             `json:"name"`
	IsActive     bool               `json:"is_active"`
	Governorates []int64            `json:"governorates"`
	Fields       []model.FieldInput `json:"fields"`
}

// NewEditSession starts editing survey. A zero survey starts a new one.
func NewEditSession(survey model.Survey) (*EditSession, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	es := &EditSession{
		ID:           id,
		SurveyID:     survey.ID,
		Name:         survey.Name,
		IsActive:     survey.IsActive || survey.ID == 0,
		Governorates: append([]int64{}, survey.Governorates...),
		Fields:       make([]model.FieldInput, 0, len(survey.Fields)),
	}
	for _, f := range survey.Fields {
		es.Fields = append(es.Fields, f.Input())
	}
	return es, nil
}

// AddField appends a new field. optionsText is the one-option-per-line
// editor text and only matters for dropdowns.
func (es *EditSession) AddField(label, kind, optionsText string, required bool) error {
	f, err := newField(label, kind, optionsText, required)
	if err != nil {
		return err
	}
	es.Fields = append(es.Fields, f)
	return nil
}

// SetField replaces the definition of the field at index i, keeping its id.
func (es *EditSession) SetField(i int, label, kind, optionsText string, required bool) error {
	if i < 0 || i >= len(es.Fields) {
		return model.Invalid("no field at index %d", i)
	}
	f, err := newField(label, kind, optionsText, required)
	if err != nil {
		return err
	}
	f.ID = es.Fields[i].ID
	es.Fields[i] = f
	return nil
}

// DropLastNewField removes the last field if it has not been stored yet.
// Stored fields cannot be removed.
func (es *EditSession) DropLastNewField() bool {
	n := len(es.Fields)
	if n == 0 || es.Fields[n-1].ID != 0 {
		return false
	}
	es.Fields = es.Fields[:n-1]
	return true
}

// Update returns the edit to apply with Service.UpdateSurvey.
func (es *EditSession) Update() SurveyUpdate {
	govs := append([]int64{}, es.Governorates...)
	return SurveyUpdate{
		Name:         es.Name,
		IsActive:     es.IsActive,
		Fields:       append([]model.FieldInput{}, es.Fields...),
		Governorates: &govs,
	}
}

// Create returns the definition to store with Service.CreateSurvey.
func (es *EditSession) Create() NewSurvey {
	return NewSurvey{
		Name:         es.Name,
		Fields:       append([]model.FieldInput{}, es.Fields...),
		Governorates: append([]int64{}, es.Governorates...),
	}
}

// NewField is a field as typed in the survey editor: options come as
// one-option-per-line text.
type NewField struct {
	Label       string `json:"label"`
	Type        string `json:"type"`
	OptionsText string `json:"options_text"`
	Required    bool   `json:"required"`
}

// AddField appends one field to a stored survey through an edit session.
func (s *Service) AddField(ctx context.Context, actor model.Actor, surveyID int64, nf NewField) (model.Survey, error) {
	if err := authz.Require(authz.CanEditSurveyDefinition(actor), "add field"); err != nil {
		return model.Survey{}, err
	}
	survey, err := s.GetSurvey(ctx, actor, surveyID)
	if err != nil {
		return model.Survey{}, err
	}
	es, err := NewEditSession(survey)
	if err != nil {
		return model.Survey{}, model.DBError("surveys.edit_session", err)
	}
	if err := es.AddField(nf.Label, nf.Type, nf.OptionsText, nf.Required); err != nil {
		return model.Survey{}, err
	}
	return s.UpdateSurvey(ctx, actor, surveyID, es.Update())
}

func newField(label, kind, optionsText string, required bool) (model.FieldInput, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return model.FieldInput{}, model.Invalid("field label is required")
	}
	t, err := model.ParseFieldType(kind, ParseOptions(optionsText))
	if err != nil {
		return model.FieldInput{}, err
	}
	return model.FieldInput{
		Label:    label,
		Type:     string(t.Kind()),
		Options:  t.Options(),
		Required: required,
	}, nil
}
