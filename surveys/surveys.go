// Package surveys stores survey definitions: the survey row, its ordered
// typed fields and the governorates it is permitted in.
//
// Definitions mutate in place. Updates never remove fields, so answers
// already collected keep pointing at a field.
package surveys

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/model"
)

type NewSurvey struct {
	Name         string             `json:"name"`
	Fields       []model.FieldInput `json:"fields"`
	Governorates []int64            `json:"governorates"`
}

// SurveyUpdate carries a full survey edit. Fields with an ID are updated in
// place, fields without one are appended. A nil Governorates keeps the
// current permissions.
type SurveyUpdate struct {
	Name         string             `json:"name"`
	IsActive     bool               `json:"is_active"`
	Fields       []model.FieldInput `json:"fields"`
	Governorates *[]int64           `json:"governorates,omitempty"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func (s *Service) CreateSurvey(ctx context.Context, actor model.Actor, ns NewSurvey) (model.Survey, error) {
	if err := authz.Require(authz.CanEditSurveyDefinition(actor), "create survey"); err != nil {
		return model.Survey{}, err
	}
	name := strings.TrimSpace(ns.Name)
	if name == "" {
		return model.Survey{}, model.Invalid("survey name is required")
	}
	types, err := parseFields(ns.Fields)
	if err != nil {
		return model.Survey{}, err
	}

	var surveyID int64
	err = database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		// created_by stays NULL when the actor has no account row
		err := tx.QueryRowContext(ctx, `
			INSERT INTO survey (name, created_by, created_at, is_active)
			VALUES (?, (SELECT id FROM user WHERE id = ?), ?, 1)
			RETURNING id`,
			name,
			actor.UserID,
			s.now().UTC(),
		).Scan(&surveyID)
		if database.IsUniqueViolation(err) {
			return model.ErrDuplicateName
		}
		if err != nil {
			return model.DBError("db.insert_survey", err)
		}

		if err := replaceGovernorates(ctx, tx, surveyID, ns.Governorates); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO survey_field (survey_id, type, label, options, required, position)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return model.DBError("db.insert_survey.fields.prepare", err)
		}
		defer stmt.Close()

		for i, f := range ns.Fields {
			options, err := types[i].EncodeOptions()
			if err != nil {
				return model.DBError("db.insert_survey.fields.encode_options", err)
			}
			_, err = stmt.ExecContext(ctx, surveyID, string(types[i].Kind()), strings.TrimSpace(f.Label), options, f.Required, i+1)
			if err != nil {
				return model.DBError("db.insert_survey.fields.insert", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Survey{}, err
	}
	return s.GetSurvey(ctx, actor, surveyID)
}

// UpdateSurvey renames, (de)activates and edits the fields of a survey.
// Stored fields missing from su.Fields are left untouched.
func (s *Service) UpdateSurvey(ctx context.Context, actor model.Actor, id int64, su SurveyUpdate) (model.Survey, error) {
	if err := authz.Require(authz.CanEditSurveyDefinition(actor), "update survey"); err != nil {
		return model.Survey{}, err
	}
	name := strings.TrimSpace(su.Name)
	if name == "" {
		return model.Survey{}, model.Invalid("survey name is required")
	}
	types, err := parseFields(su.Fields)
	if err != nil {
		return model.Survey{}, err
	}

	err = database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE survey
			SET name = ?, is_active = ?
			WHERE id = ?`,
			name,
			su.IsActive,
			id,
		)
		if database.IsUniqueViolation(err) {
			return model.ErrDuplicateName
		}
		if err != nil {
			return model.DBError("db.update_survey", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.DBError("db.update_survey.verify", err)
		}
		if n < 1 {
			return model.NotFound("survey", id)
		}

		for i, f := range su.Fields {
			if err := saveField(ctx, tx, id, f, types[i]); err != nil {
				return err
			}
		}

		if su.Governorates != nil {
			return replaceGovernorates(ctx, tx, id, *su.Governorates)
		}
		return nil
	})
	if err != nil {
		return model.Survey{}, err
	}
	return s.GetSurvey(ctx, actor, id)
}

func saveField(ctx context.Context, tx *sql.Tx, surveyID int64, f model.FieldInput, t model.FieldType) error {
	options, err := t.EncodeOptions()
	if err != nil {
		return model.DBError("db.update_survey.fields.encode_options", err)
	}
	label := strings.TrimSpace(f.Label)

	if f.ID != 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE survey_field
			SET type = ?, label = ?, options = ?, required = ?
			WHERE id = ? AND survey_id = ?`,
			string(t.Kind()),
			label,
			options,
			f.Required,
			f.ID,
			surveyID,
		)
		if err != nil {
			return model.DBError("db.update_survey.fields.update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.DBError("db.update_survey.fields.verify", err)
		}
		if n < 1 {
			return model.NotFound("survey field", f.ID)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO survey_field (survey_id, type, label, options, required, position)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM survey_field WHERE survey_id = ?))`,
		surveyID,
		string(t.Kind()),
		label,
		options,
		f.Required,
		surveyID,
	)
	if err != nil {
		return model.DBError("db.update_survey.fields.insert", err)
	}
	return nil
}

// SetSurveyActive toggles the active flag. It is the only change a
// governorate admin may make to a survey permitted in their governorate.
func (s *Service) SetSurveyActive(ctx context.Context, actor model.Actor, id int64, active bool) (model.Survey, error) {
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		govs, err := governoratesOf(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		exists, err := database.Exists(ctx, tx, `SELECT 1 FROM survey WHERE id = ?`, id)
		if err != nil {
			return model.DBError("db.set_survey_active.exists", err)
		}
		if !exists {
			return model.NotFound("survey", id)
		}
		if err := authz.Require(authz.CanManageSurvey(actor, govs[id]), "toggle survey"); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE survey SET is_active = ? WHERE id = ?`, active, id)
		return model.DBError("db.set_survey_active", err)
	})
	if err != nil {
		return model.Survey{}, err
	}
	return s.GetSurvey(ctx, actor, id)
}

// DeleteSurvey removes a survey with everything collected for it: answers,
// responses, fields, permissions and allow-list entries.
func (s *Service) DeleteSurvey(ctx context.Context, actor model.Actor, id int64) error {
	if err := authz.Require(authz.CanEditSurveyDefinition(actor), "delete survey"); err != nil {
		return err
	}

	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		steps := []struct {
			op    string
			query string
		}{
			{"db.delete_survey.details", `DELETE FROM response_detail WHERE response_id IN (SELECT id FROM response WHERE survey_id = ?)`},
			{"db.delete_survey.responses", `DELETE FROM response WHERE survey_id = ?`},
			{"db.delete_survey.fields", `DELETE FROM survey_field WHERE survey_id = ?`},
			{"db.delete_survey.governorates", `DELETE FROM survey_governorate WHERE survey_id = ?`},
			{"db.delete_survey.allow_lists", `DELETE FROM user_survey WHERE survey_id = ?`},
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(ctx, step.query, id); err != nil {
				return model.DBError(step.op, err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM survey WHERE id = ?`, id)
		if err != nil {
			return model.DBError("db.delete_survey", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.DBError("db.delete_survey.verify", err)
		}
		if n < 1 {
			return model.NotFound("survey", id)
		}
		return nil
	})
}

// GetSurvey returns a survey with its fields. Surveys outside the actor's
// reach are reported as not found.
func (s *Service) GetSurvey(ctx context.Context, actor model.Actor, id int64) (model.Survey, error) {
	scope, err := authz.SurveyListScope(actor)
	if err != nil {
		return model.Survey{}, err
	}
	return Load(ctx, s.db, scope, id)
}

// ListSurveys returns the surveys the actor manages, or for employees the
// surveys they may answer. Fields are not loaded.
func (s *Service) ListSurveys(ctx context.Context, actor model.Actor) ([]model.Survey, error) {
	scope, err := authz.SurveyListScope(actor)
	if err != nil {
		return nil, err
	}
	surveys, err := querySurveys(ctx, s.db, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(surveys))
	for i := range surveys {
		ids[i] = surveys[i].ID
	}
	govs, err := governoratesOf(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range surveys {
		surveys[i].Governorates = govs[surveys[i].ID]
	}
	return surveys, nil
}

// Load reads survey id through q, restricted to scope, with its permitted
// governorates and fields.
func Load(ctx context.Context, q database.Querier, scope sq.Sqlizer, id int64) (model.Survey, error) {
	surveys, err := querySurveys(ctx, q, sq.And{scope, sq.Eq{"s.id": id}})
	if err != nil {
		return model.Survey{}, err
	}
	if len(surveys) == 0 {
		return model.Survey{}, model.NotFound("survey", id)
	}
	survey := surveys[0]

	govs, err := governoratesOf(ctx, q, []int64{id})
	if err != nil {
		return model.Survey{}, err
	}
	survey.Governorates = govs[id]

	survey.Fields, err = Fields(ctx, q, id)
	if err != nil {
		return model.Survey{}, err
	}
	return survey, nil
}

func querySurveys(ctx context.Context, q database.Querier, where sq.Sqlizer) ([]model.Survey, error) {
	query, args, err := sq.Select("s.id", "s.name", "s.created_by", "s.created_at", "s.is_active").
		From("survey s").
		Where(where).
		OrderBy("s.created_at DESC", "s.id DESC").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_surveys.build", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_surveys", err)
	}
	defer rows.Close()

	surveys := []model.Survey{}
	for rows.Next() {
		s := model.Survey{}
		var createdBy sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Name, &createdBy, &s.CreatedAt, &s.IsActive); err != nil {
			return nil, model.DBError("db.get_surveys.scan", err)
		}
		s.CreatedBy = createdBy.Int64
		s.Governorates = []int64{}
		surveys = append(surveys, s)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_surveys.rows", err)
	}
	return surveys, nil
}

// Fields returns the fields of a survey in position order.
func Fields(ctx context.Context, q database.Querier, surveyID int64) ([]model.SurveyField, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT f.id, f.survey_id, f.label, f.type, f.options, f.required, f.position
		FROM survey_field f
		WHERE f.survey_id = ?
		ORDER BY f.position`,
		surveyID,
	)
	if err != nil {
		return nil, model.DBError("db.get_fields", err)
	}
	defer rows.Close()

	fields := []model.SurveyField{}
	for rows.Next() {
		f := model.SurveyField{}
		var kind, options string
		if err := rows.Scan(&f.ID, &f.SurveyID, &f.Label, &kind, &options, &f.Required, &f.Position); err != nil {
			return nil, model.DBError("db.get_fields.scan", err)
		}
		f.Type, err = model.DecodeFieldType(kind, options)
		if err != nil {
			return nil, model.DBError("db.get_fields.parse_options", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_fields.rows", err)
	}
	return fields, nil
}

func governoratesOf(ctx context.Context, q database.Querier, surveyIDs []int64) (map[int64][]int64, error) {
	govs := map[int64][]int64{}
	if len(surveyIDs) == 0 {
		return govs, nil
	}
	query, args, err := sq.Select("sg.survey_id", "sg.governorate_id").
		From("survey_governorate sg").
		Where(sq.Eq{"sg.survey_id": surveyIDs}).
		OrderBy("sg.survey_id", "sg.governorate_id").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_survey_governorates.build", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_survey_governorates", err)
	}
	defer rows.Close()

	for rows.Next() {
		var surveyID, governorateID int64
		if err := rows.Scan(&surveyID, &governorateID); err != nil {
			return nil, model.DBError("db.get_survey_governorates.scan", err)
		}
		govs[surveyID] = append(govs[surveyID], governorateID)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_survey_governorates.rows", err)
	}
	return govs, nil
}

func replaceGovernorates(ctx context.Context, tx *sql.Tx, surveyID int64, governorates []int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM survey_governorate WHERE survey_id = ?`, surveyID)
	if err != nil {
		return model.DBError("db.replace_survey_governorates.delete", err)
	}

	seen := map[int64]bool{}
	for _, g := range governorates {
		if seen[g] {
			continue
		}
		seen[g] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO survey_governorate (survey_id, governorate_id) VALUES (?, ?)`,
			surveyID,
			g,
		)
		if database.IsForeignKeyViolation(err) {
			return model.NotFound("governorate", g)
		}
		if err != nil {
			return model.DBError("db.replace_survey_governorates.insert", err)
		}
	}
	return nil
}

func parseFields(fields []model.FieldInput) ([]model.FieldType, error) {
	types := make([]model.FieldType, len(fields))
	for i, f := range fields {
		if strings.TrimSpace(f.Label) == "" {
			return nil, model.Invalid("field %d has no label", i+1)
		}
		t, err := model.ParseFieldType(f.Type, f.Options)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}
	return types, nil
}

// ParseOptions turns the one-option-per-line text of an option editor into
// an option list, dropping blank lines and keeping order.
func ParseOptions(text string) []string {
	return model.CleanOptions(strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"))
}
