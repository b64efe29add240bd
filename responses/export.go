package responses

import (
	"context"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/export"
	"github.com/mbolis/regional-survey/model"
	"github.com/mbolis/regional-survey/surveys"
)

var responseColumns = []string{
	"Response", "User", "Region", "Governorate", "Submitted at", "Status", "Latitude", "Longitude",
}

// ExportSurvey tabulates the responses of a survey the actor may review:
// one row per response with a column per field in field order, followed
// by a sheet describing the fields.
func (s *Service) ExportSurvey(ctx context.Context, actor model.Actor, surveyID int64) ([]export.Sheet, error) {
	if err := s.checkReviewable(ctx, actor, surveyID); err != nil {
		return nil, err
	}
	scope, err := authz.SurveyManageScope(actor)
	if err != nil {
		return nil, err
	}
	survey, err := surveys.Load(ctx, s.db, scope, surveyID)
	if err != nil {
		return nil, err
	}

	responses, err := queryResponses(ctx, s.db, actor, sq.Eq{"r.survey_id": surveyID})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(responses))
	for i, r := range responses {
		ids[i] = r.ID
	}
	details, err := loadDetails(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	header := append([]string{}, responseColumns...)
	for _, f := range survey.Fields {
		header = append(header, f.Label)
	}

	rows := make([][]any, 0, len(responses))
	for _, r := range responses {
		r.Details = details[r.ID]
		row := []any{
			r.ID,
			r.Username,
			r.RegionName,
			r.GovernorateName,
			r.SubmittedAt.In(s.loc),
			status(r),
			nil,
			nil,
		}
		if r.Location != nil {
			row[6], row[7] = r.Location.Lat, r.Location.Lon
		}
		for _, f := range survey.Fields {
			row = append(row, cell(f, r))
		}
		rows = append(rows, row)
	}

	fieldRows := make([][]any, 0, len(survey.Fields))
	for _, f := range survey.Fields {
		fieldRows = append(fieldRows, []any{
			f.Position,
			f.Label,
			string(f.Type.Kind()),
			strconv.FormatBool(f.Required),
			strings.Join(f.Type.Options(), "\n"),
		})
	}

	return []export.Sheet{
		{Name: survey.Name, Header: header, Rows: rows},
		{Name: "Fields", Header: []string{"Position", "Label", "Type", "Required", "Options"}, Rows: fieldRows},
		{Name: "Users", Header: []string{"User", "Region", "Governorate", "Submitted on", "Status"}, Rows: userRows(responses)},
	}, nil
}

// cell types an answer for the sheet: numbers as numbers, checkboxes as
// booleans, anything else as text.
func cell(f model.SurveyField, r model.Response) any {
	v, ok := r.Answer(f.ID)
	if !ok {
		return nil
	}
	switch f.Type.Kind() {
	case model.KindNumber:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	case model.KindCheckbox:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return v
}

// userRows lists who entered data, one row per user, day and status.
func userRows(responses []model.Response) [][]any {
	type key struct {
		user   string
		region string
		day    string
		done   bool
	}
	seen := map[key]bool{}
	rows := [][]any{}
	for _, r := range responses {
		k := key{r.Username, r.RegionName, r.SubmittedOn, r.Completed}
		if seen[k] {
			continue
		}
		seen[k] = true
		rows = append(rows, []any{r.Username, r.RegionName, r.GovernorateName, r.SubmittedOn, status(r)})
	}
	return rows
}

func status(r model.Response) string {
	if r.Completed {
		return "completed"
	}
	return "draft"
}
