// Package responses stores the answers collected for surveys.
//
// A response is a draft until it is submitted as complete. Employees save
// drafts freely and complete at most one response per survey per calendar
// day; once completed only reviewers may change its answers. Every read is
// narrowed in SQL to what the actor may see.
package responses

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/geo"
	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/model"
	"github.com/mbolis/regional-survey/surveys"
)

// Submission is what the form layer hands over: raw answers by field id.
type Submission struct {
	SurveyID int64 `json:"survey_id"`
	// ResponseID continues an existing draft when set.
	ResponseID int64            `json:"response_id,omitempty"`
	Answers    map[int64]string `json:"answers"`
	Complete   bool             `json:"complete"`
	// Location is a manual position; when nil the client IP is looked up.
	Location *model.Location `json:"location,omitempty"`
	ClientIP string          `json:"-"`
}

type ResponseFilter struct {
	SurveyID  int64
	Completed *bool
}

type Option func(*Service)

// WithClock sets the clock and the zone in which calendar days are counted.
func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(s *Service) {
		s.now = now
		s.loc = loc
	}
}

func WithGeo(r geo.Resolver) Option {
	return func(s *Service) {
		s.geo = r
	}
}

type Service struct {
	db  *sql.DB
	now func() time.Time
	loc *time.Location
	geo geo.Resolver
}

func NewService(db *sql.DB, opts ...Option) *Service {
	s := &Service{db: db, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) today() (time.Time, string) {
	now := s.now().In(s.loc)
	return now, now.Format(model.DateLayout)
}

// Submit saves a draft or completes a response for an employee.
//
// Completing checks the daily limit first and then the required fields; a
// draft skips both. Answers are type checked either way.
func (s *Service) Submit(ctx context.Context, actor model.Actor, sub Submission) (model.Response, error) {
	if err := authz.Require(actor.Is(model.RoleEmployee), "submit response"); err != nil {
		return model.Response{}, err
	}

	// drafts keep only a manual location; an IP lookup is made for a
	// completion the actor is allowed to make
	location := sub.Location
	if sub.Complete && sub.Location == nil && s.geo.Locator != nil && sub.ClientIP != "" {
		if _, _, _, err := submittable(ctx, s.db, actor, sub); err != nil {
			return model.Response{}, err
		}
		location = s.geo.Resolve(ctx, nil, sub.ClientIP)
	}
	now, day := s.today()

	var responseID int64
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		actor, survey, current, err := submittable(ctx, tx, actor, sub)
		if err != nil {
			return err
		}

		answers := map[int64]string{}
		for _, d := range current.Details {
			answers[d.FieldID] = d.Value
		}
		for id, v := range sub.Answers {
			answers[id] = v
		}
		values, err := normalize(survey.Fields, answers)
		if err != nil {
			return err
		}

		if sub.Complete {
			done, err := completedOn(ctx, tx, actor.UserID, sub.SurveyID, day)
			if err != nil {
				return err
			}
			if done {
				return model.ErrAlreadyCompletedToday
			}
			if missing := missingRequired(survey.Fields, values); len(missing) > 0 {
				return &model.MissingRequiredFieldsError{Labels: missing}
			}
		}

		responseID, err = saveResponse(ctx, tx, actor, sub.ResponseID, sub.SurveyID, now, day, sub.Complete, location)
		if err != nil {
			return err
		}
		return saveDetails(ctx, tx, responseID, values)
	})
	if err != nil {
		return model.Response{}, err
	}

	log.WithFields(log.Fields{
		"user_id":     actor.UserID,
		"survey_id":   sub.SurveyID,
		"response_id": responseID,
		"complete":    sub.Complete,
	}).Debug("response saved")
	return s.GetResponse(ctx, actor, responseID)
}

// submittable checks that the survey is visible to the employee and, when
// continuing, that the response is their own draft of it. The actor comes
// back with the region it is currently assigned to.
func submittable(ctx context.Context, q database.Querier, actor model.Actor, sub Submission) (model.Actor, model.Survey, model.Response, error) {
	actor, err := currentScope(ctx, q, actor)
	if err != nil {
		return model.Actor{}, model.Survey{}, model.Response{}, err
	}
	scope, err := authz.SurveyVisibleScope(actor)
	if err != nil {
		return model.Actor{}, model.Survey{}, model.Response{}, err
	}
	survey, err := surveys.Load(ctx, q, scope, sub.SurveyID)
	if err != nil {
		return model.Actor{}, model.Survey{}, model.Response{}, err
	}
	if sub.ResponseID == 0 {
		return actor, survey, model.Response{}, nil
	}

	current, err := loadResponse(ctx, q, actor, sub.ResponseID)
	if err != nil {
		return model.Actor{}, model.Survey{}, model.Response{}, err
	}
	if current.SurveyID != sub.SurveyID || !authz.CanContinueResponse(actor, current) {
		return model.Actor{}, model.Survey{}, model.Response{}, model.Unauthorized("continue response")
	}
	return actor, survey, current, nil
}

// currentScope refreshes the region binding of an employee from storage, so
// a response is always filed under the region the employee belongs to now.
func currentScope(ctx context.Context, q database.Querier, actor model.Actor) (model.Actor, error) {
	err := q.QueryRowContext(ctx, `
		SELECT u.region_id, rg.governorate_id
		FROM user u
		JOIN region rg ON rg.id = u.region_id
		WHERE u.id = ? AND u.role = ?`,
		actor.UserID,
		string(model.RoleEmployee),
	).Scan(&actor.RegionID, &actor.GovernorateID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Actor{}, model.Unauthorized("submit response")
	}
	if err != nil {
		return model.Actor{}, model.DBError("db.current_scope", err)
	}
	return actor, nil
}

// HasCompletedSurveyToday reports whether the user already completed a
// response for the survey on the current calendar day.
func (s *Service) HasCompletedSurveyToday(ctx context.Context, userID, surveyID int64) (bool, error) {
	_, day := s.today()
	return completedOn(ctx, s.db, userID, surveyID, day)
}

func completedOn(ctx context.Context, q database.Querier, userID, surveyID int64, day string) (bool, error) {
	found, err := database.Exists(ctx, q, `
		SELECT 1 FROM response
		WHERE user_id = ? AND survey_id = ? AND submitted_on = ? AND is_completed = 1
		LIMIT 1`,
		userID,
		surveyID,
		day,
	)
	return found, model.DBError("db.has_completed_today", err)
}

// EditAnswers is the reviewer path: admins and governorate admins in scope
// change individual answers, completed responses included. A completed
// response cannot lose a required answer.
func (s *Service) EditAnswers(ctx context.Context, actor model.Actor, responseID int64, answers map[int64]string) (model.Response, error) {
	if !authz.IsAdmin(actor) && !actor.Is(model.RoleGovernorateAdmin) {
		return model.Response{}, model.Unauthorized("edit answers")
	}

	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := loadResponse(ctx, tx, actor, responseID)
		if err != nil {
			return err
		}
		if err := authz.Require(authz.CanReviewResponse(actor, current.GovernorateID), "edit answers"); err != nil {
			return err
		}
		fields, err := surveys.Fields(ctx, tx, current.SurveyID)
		if err != nil {
			return err
		}
		values, err := normalize(fields, answers)
		if err != nil {
			return err
		}
		// only the answers given are touched
		for _, f := range fields {
			if _, ok := answers[f.ID]; !ok {
				delete(values, f.ID)
			}
		}
		if current.Completed {
			merged := map[int64]string{}
			for _, d := range current.Details {
				merged[d.FieldID] = d.Value
			}
			for id, v := range values {
				merged[id] = v
			}
			if missing := missingRequired(fields, merged); len(missing) > 0 {
				return &model.MissingRequiredFieldsError{Labels: missing}
			}
		}
		return saveDetails(ctx, tx, responseID, values)
	})
	if err != nil {
		return model.Response{}, err
	}
	return s.GetResponse(ctx, actor, responseID)
}

func (s *Service) GetResponse(ctx context.Context, actor model.Actor, id int64) (model.Response, error) {
	return loadResponse(ctx, s.db, actor, id)
}

// ListResponses returns responses without their answers, newest first.
func (s *Service) ListResponses(ctx context.Context, actor model.Actor, filter ResponseFilter) ([]model.Response, error) {
	where := sq.And{}
	if filter.SurveyID != 0 {
		where = append(where, sq.Eq{"r.survey_id": filter.SurveyID})
	}
	if filter.Completed != nil {
		where = append(where, sq.Eq{"r.is_completed": *filter.Completed})
	}
	return queryResponses(ctx, s.db, actor, where)
}

func loadResponse(ctx context.Context, q database.Querier, actor model.Actor, id int64) (model.Response, error) {
	found, err := queryResponses(ctx, q, actor, sq.Eq{"r.id": id})
	if err != nil {
		return model.Response{}, err
	}
	if len(found) == 0 {
		return model.Response{}, model.NotFound("response", id)
	}
	r := found[0]

	details, err := loadDetails(ctx, q, []int64{id})
	if err != nil {
		return model.Response{}, err
	}
	r.Details = details[id]
	return r, nil
}

func selectResponses() sq.SelectBuilder {
	return sq.Select(
		"r.id", "r.survey_id", "r.user_id", "u.username",
		"r.region_id", "rg.name", "rg.governorate_id", "g.name",
		"r.submitted_at", "r.submitted_on", "r.is_completed",
		"r.latitude", "r.longitude",
	).
		From("response r").
		Join("user u ON u.id = r.user_id").
		Join("region rg ON rg.id = r.region_id").
		Join("governorate g ON g.id = rg.governorate_id")
}

func queryResponses(ctx context.Context, q database.Querier, actor model.Actor, where sq.Sqlizer) ([]model.Response, error) {
	scope, err := authz.ResponseScope(actor)
	if err != nil {
		return nil, err
	}
	query, args, err := selectResponses().
		Where(scope).
		Where(where).
		OrderBy("r.submitted_at DESC", "r.id DESC").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_responses.build", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_responses", err)
	}
	defer rows.Close()

	responses := []model.Response{}
	for rows.Next() {
		r := model.Response{}
		var lat, lon sql.NullFloat64
		err = rows.Scan(
			&r.ID, &r.SurveyID, &r.UserID, &r.Username,
			&r.RegionID, &r.RegionName, &r.GovernorateID, &r.GovernorateName,
			&r.SubmittedAt, &r.SubmittedOn, &r.Completed,
			&lat, &lon,
		)
		if err != nil {
			return nil, model.DBError("db.get_responses.scan", err)
		}
		if lat.Valid && lon.Valid {
			r.Location = &model.Location{Lat: lat.Float64, Lon: lon.Float64}
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_responses.rows", err)
	}
	return responses, nil
}

// loadDetails returns the answers of the given responses in field order.
func loadDetails(ctx context.Context, q database.Querier, responseIDs []int64) (map[int64][]model.ResponseDetail, error) {
	details := map[int64][]model.ResponseDetail{}
	if len(responseIDs) == 0 {
		return details, nil
	}
	query, args, err := sq.Select("d.id", "d.response_id", "d.field_id", "f.label", "d.value").
		From("response_detail d").
		Join("survey_field f ON f.id = d.field_id").
		Where(sq.Eq{"d.response_id": responseIDs}).
		OrderBy("d.response_id", "f.position").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_details.build", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_details", err)
	}
	defer rows.Close()

	for rows.Next() {
		d := model.ResponseDetail{}
		if err := rows.Scan(&d.ID, &d.ResponseID, &d.FieldID, &d.Label, &d.Value); err != nil {
			return nil, model.DBError("db.get_details.scan", err)
		}
		details[d.ResponseID] = append(details[d.ResponseID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_details.rows", err)
	}
	return details, nil
}

// normalize type checks answers against the survey fields. The result holds
// one value per field of the survey that was answered, plus "false" for
// every unanswered checkbox.
func normalize(fields []model.SurveyField, answers map[int64]string) (map[int64]string, error) {
	byID := make(map[int64]model.SurveyField, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}
	for id := range answers {
		if _, ok := byID[id]; !ok {
			return nil, model.Invalid("field %d does not belong to the survey", id)
		}
	}

	values := map[int64]string{}
	for _, f := range fields {
		raw, ok := answers[f.ID]
		if !ok && f.Type.Kind() != model.KindCheckbox {
			continue
		}
		v, err := f.Type.Normalize(raw)
		if err != nil {
			return nil, model.Invalid("%s: %s", f.Label, strings.TrimPrefix(err.Error(), model.ErrInvalidInput.Error()+": "))
		}
		values[f.ID] = v
	}
	return values, nil
}

func missingRequired(fields []model.SurveyField, values map[int64]string) []string {
	var labels []string
	for _, f := range fields {
		if f.Required && strings.TrimSpace(values[f.ID]) == "" {
			labels = append(labels, f.Label)
		}
	}
	return labels
}

func saveResponse(ctx context.Context, tx *sql.Tx, actor model.Actor, id, surveyID int64, now time.Time, day string, complete bool, loc *model.Location) (int64, error) {
	var lat, lon any
	if loc != nil {
		lat, lon = loc.Lat, loc.Lon
	}

	var err error
	if id == 0 {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO response (survey_id, user_id, region_id, submitted_at, submitted_on, is_completed, latitude, longitude)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			surveyID,
			actor.UserID,
			actor.RegionID,
			now.UTC(),
			day,
			complete,
			lat,
			lon,
		).Scan(&id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE response
			SET region_id = ?, submitted_at = ?, submitted_on = ?, is_completed = ?,
				latitude = COALESCE(?, latitude), longitude = COALESCE(?, longitude)
			WHERE id = ? AND is_completed = 0`,
			actor.RegionID,
			now.UTC(),
			day,
			complete,
			lat,
			lon,
			id,
		)
	}
	if database.IsUniqueViolation(err) {
		return 0, model.ErrAlreadyCompletedToday
	}
	if err != nil {
		return 0, model.DBError("db.save_response", err)
	}
	return id, nil
}

func saveDetails(ctx context.Context, tx *sql.Tx, responseID int64, values map[int64]string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO response_detail (response_id, field_id, value) VALUES (?, ?, ?)
		ON CONFLICT (response_id, field_id) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return model.DBError("db.save_details.prepare", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, fieldID := range ids {
		if _, err := stmt.ExecContext(ctx, responseID, fieldID, values[fieldID]); err != nil {
			return model.DBError("db.save_details.upsert", err)
		}
	}
	return nil
}

// Summary counts the responses of a survey the actor may review.
type Summary struct {
	SurveyID  int64 `json:"survey_id"`
	Total     int   `json:"total"`
	Completed int   `json:"completed"`
	Drafts    int   `json:"drafts"`
	Users     int   `json:"users"`
	Regions   int   `json:"regions"`
}

func (s *Service) Summary(ctx context.Context, actor model.Actor, surveyID int64) (Summary, error) {
	if err := s.checkReviewable(ctx, actor, surveyID); err != nil {
		return Summary{}, err
	}
	scope, err := authz.ResponseScope(actor)
	if err != nil {
		return Summary{}, err
	}

	query, args, err := sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(r.is_completed), 0)",
		"COUNT(DISTINCT r.user_id)",
		"COUNT(DISTINCT r.region_id)",
	).
		From("response r").
		Join("region rg ON rg.id = r.region_id").
		Where(scope).
		Where(sq.Eq{"r.survey_id": surveyID}).
		ToSql()
	if err != nil {
		return Summary{}, model.DBError("db.summary.build", err)
	}

	sum := Summary{SurveyID: surveyID}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&sum.Total, &sum.Completed, &sum.Users, &sum.Regions)
	if err != nil {
		return Summary{}, model.DBError("db.summary", err)
	}
	sum.Drafts = sum.Total - sum.Completed
	return sum, nil
}

// checkReviewable fails unless the actor is a reviewer who manages the
// survey.
func (s *Service) checkReviewable(ctx context.Context, actor model.Actor, surveyID int64) error {
	if !authz.IsAdmin(actor) && !actor.Is(model.RoleGovernorateAdmin) {
		return model.Unauthorized("review responses")
	}
	scope, err := authz.SurveyManageScope(actor)
	if err != nil {
		return err
	}
	query, args, err := sq.Select("1").From("survey s").Where(scope).Where(sq.Eq{"s.id": surveyID}).ToSql()
	if err != nil {
		return model.DBError("db.check_reviewable.build", err)
	}
	found, err := database.Exists(ctx, s.db, query, args...)
	if err != nil {
		return model.DBError("db.check_reviewable", err)
	}
	if !found {
		return model.NotFound("survey", surveyID)
	}
	return nil
}
