package responses

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolis/regional-survey/database/dbtest"
	"github.com/mbolis/regional-survey/geo"
	"github.com/mbolis/regional-survey/model"
	"github.com/mbolis/regional-survey/surveys"
)

type fixture struct {
	db     *sql.DB
	svc    *Service
	clock  time.Time
	admin  model.Actor
	gadmin model.Actor
	empA   model.Actor
	empB   model.Actor
	survey model.Survey
}

func (f *fixture) age() int64  { return f.survey.Fields[0].ID }
func (f *fixture) city() int64 { return f.survey.Fields[1].ID }
func (f *fixture) done() int64 { return f.survey.Fields[2].ID }

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	f := &fixture{db: db, clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(func() time.Time { return f.clock }, time.UTC)}, opts...)
	f.svc = NewService(db, opts...)

	adminID := insert(t, db, `INSERT INTO user (username, password_hash, role, created_at) VALUES ('admin', 'x', 'admin', ?)`, time.Now())
	f.admin = model.Actor{UserID: adminID, Role: model.RoleAdmin}

	govA := insert(t, db, `INSERT INTO governorate (name) VALUES ('Giza')`)
	govB := insert(t, db, `INSERT INTO governorate (name) VALUES ('Alexandria')`)
	regA := insert(t, db, `INSERT INTO region (name, governorate_id) VALUES ('North', ?)`, govA)
	regB := insert(t, db, `INSERT INTO region (name, governorate_id) VALUES ('Coast', ?)`, govB)

	gadminID := insert(t, db, `INSERT INTO user (username, password_hash, role, created_at) VALUES ('gadmin', 'x', 'governorate_admin', ?)`, time.Now())
	insert(t, db, `INSERT INTO governorate_admin (user_id, governorate_id) VALUES (?, ?)`, gadminID, govA)
	f.gadmin = model.Actor{UserID: gadminID, Role: model.RoleGovernorateAdmin, GovernorateID: govA}

	empA := insert(t, db, `INSERT INTO user (username, password_hash, role, region_id, created_at) VALUES ('emp_a', 'x', 'employee', ?, ?)`, regA, time.Now())
	empB := insert(t, db, `INSERT INTO user (username, password_hash, role, region_id, created_at) VALUES ('emp_b', 'x', 'employee', ?, ?)`, regB, time.Now())
	f.empA = model.Actor{UserID: empA, Role: model.RoleEmployee, RegionID: regA, GovernorateID: govA}
	f.empB = model.Actor{UserID: empB, Role: model.RoleEmployee, RegionID: regB, GovernorateID: govB}

	var err error
	f.survey, err = surveys.NewService(db).CreateSurvey(ctx, f.admin, surveys.NewSurvey{
		Name: "Vaccination",
		Fields: []model.FieldInput{
			{Label: "Age", Type: "number", Required: true},
			{Label: "City", Type: "dropdown", Options: []string{"N", "S"}},
			{Label: "Done", Type: "checkbox"},
		},
		Governorates: []int64{govA, govB},
	})
	require.NoError(t, err)
	f.allow(t, f.survey.ID, empA, empB)
	return f
}

func (f *fixture) allow(t *testing.T, surveyID int64, users ...int64) {
	t.Helper()
	for _, u := range users {
		insert(t, f.db, `INSERT INTO user_survey (user_id, survey_id) VALUES (?, ?)`, u, surveyID)
	}
}

func insert(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestSubmitRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	r, err := f.svc.Submit(ctx, f.empA, Submission{
		SurveyID: f.survey.ID,
		Answers:  map[int64]string{f.city(): "N", f.age(): "34"},
		Complete: true,
	})
	require.NoError(t, err)
	assert.True(t, r.Completed)
	assert.Equal(t, "2024-03-01", r.SubmittedOn)
	assert.Equal(t, f.empA.RegionID, r.RegionID)
	assert.Equal(t, "Giza", r.GovernorateName)

	got, err := f.svc.GetResponse(ctx, f.empA, r.ID)
	require.NoError(t, err)
	require.Len(t, got.Details, 3)
	assert.Equal(t, "Age", got.Details[0].Label)
	assert.Equal(t, "34", got.Details[0].Value)
	assert.Equal(t, "City", got.Details[1].Label)
	assert.Equal(t, "N", got.Details[1].Value)
	assert.Equal(t, "false", got.Details[2].Value, "unanswered checkbox")
}

func TestSubmitMissingRequiredDropdown(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	s, err := surveys.NewService(f.db).CreateSurvey(ctx, f.admin, surveys.NewSurvey{
		Name: "Districts",
		Fields: []model.FieldInput{
			{Label: "Notes", Type: "text"},
			{Label: "District", Type: "dropdown", Options: []string{"N", "S"}, Required: true},
			{Label: "Visited", Type: "checkbox", Required: true},
		},
		Governorates: []int64{f.empA.GovernorateID},
	})
	require.NoError(t, err)
	f.allow(t, s.ID, f.empA.UserID)

	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: s.ID, Answers: map[int64]string{s.Fields[1].ID: ""}, Complete: true})
	var missing *model.MissingRequiredFieldsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"District"}, missing.Labels, "checkbox is never missing")

	r, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: s.ID, Complete: false})
	require.NoError(t, err)
	assert.False(t, r.Completed)
}

func TestSubmitDailyLimit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	complete := Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "34"}, Complete: true}

	_, err := f.svc.Submit(ctx, f.empA, complete)
	require.NoError(t, err)

	done, err := f.svc.HasCompletedSurveyToday(ctx, f.empA.UserID, f.survey.ID)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = f.svc.Submit(ctx, f.empA, complete)
	assert.True(t, errors.Is(err, model.ErrAlreadyCompletedToday))

	// the daily limit wins over missing fields
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Complete: true})
	assert.True(t, errors.Is(err, model.ErrAlreadyCompletedToday))

	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "40"}})
	assert.NoError(t, err, "draft on the same day")

	_, err = f.svc.Submit(ctx, f.empB, complete)
	assert.NoError(t, err, "other users are not limited")

	f.clock = f.clock.Add(24 * time.Hour)
	done, err = f.svc.HasCompletedSurveyToday(ctx, f.empA.UserID, f.survey.ID)
	require.NoError(t, err)
	assert.False(t, done)
	_, err = f.svc.Submit(ctx, f.empA, complete)
	assert.NoError(t, err)
}

func TestCalendarDayFollowsConfiguredZone(t *testing.T) {
	cairo, err := time.LoadLocation("Africa/Cairo")
	require.NoError(t, err)
	f := setup(t)
	f.svc = NewService(f.db, WithClock(func() time.Time { return f.clock }, cairo))
	f.clock = time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)

	r, err := f.svc.Submit(context.Background(), f.empA, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "1"}, Complete: true})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02", r.SubmittedOn)
}

func TestContinueDraft(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	draft, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.city(): "S", f.done(): "true"}})
	require.NoError(t, err)
	assert.False(t, draft.Completed)

	// missing Age still blocks completion
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, ResponseID: draft.ID, Complete: true})
	var missing *model.MissingRequiredFieldsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"Age"}, missing.Labels)

	r, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, ResponseID: draft.ID, Answers: map[int64]string{f.age(): "7"}, Complete: true})
	require.NoError(t, err)
	assert.Equal(t, draft.ID, r.ID)
	assert.True(t, r.Completed)
	city, _ := r.Answer(f.city())
	assert.Equal(t, "S", city)
	doneValue, _ := r.Answer(f.done())
	assert.Equal(t, "true", doneValue, "stored answers are kept")
	assert.Equal(t, 1, dbtest.Count(t, f.db, "response", ""))

	// completed responses are read only for employees
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, ResponseID: draft.ID, Answers: map[int64]string{f.age(): "8"}})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	other, err := f.svc.Submit(ctx, f.empB, Submission{SurveyID: f.survey.ID})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, ResponseID: other.ID})
	assert.True(t, errors.Is(err, model.ErrNotFound), "someone else's draft")
}

func TestSubmitVisibility(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	svc := surveys.NewService(f.db)

	hidden, err := svc.CreateSurvey(ctx, f.admin, surveys.NewSurvey{Name: "Hidden", Governorates: []int64{f.empA.GovernorateID}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: hidden.ID})
	assert.True(t, errors.Is(err, model.ErrNotFound), "not in allow-list")

	_, err = svc.SetSurveyActive(ctx, f.admin, f.survey.ID, false)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID})
	assert.True(t, errors.Is(err, model.ErrNotFound), "inactive")

	_, err = f.svc.Submit(ctx, f.gadmin, Submission{SurveyID: f.survey.ID})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	_, err = f.svc.Submit(ctx, model.Actor{}, Submission{SurveyID: f.survey.ID})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
}

func TestSubmitRejectsInvalidAnswers(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, answers := range []map[int64]string{
		{f.age(): "thirty"},
		{f.city(): "W"},
		{f.done(): "maybe"},
		{9999: "x"},
	} {
		_, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Answers: answers})
		assert.True(t, errors.Is(err, model.ErrInvalidInput), "%v", answers)
	}
	assert.Equal(t, 0, dbtest.Count(t, f.db, "response", ""))
}

type locatorFunc func(ctx context.Context, ip string) (model.Location, error)

func (l locatorFunc) Locate(ctx context.Context, ip string) (model.Location, error) {
	return l(ctx, ip)
}

func TestSubmitLocation(t *testing.T) {
	ctx := context.Background()
	lookups := 0
	f := setup(t, WithGeo(geo.Resolver{Locator: locatorFunc(func(_ context.Context, ip string) (model.Location, error) {
		lookups++
		if ip == "41.33.0.1" {
			return model.Location{Lat: 30.04, Lon: 31.23}, nil
		}
		return model.Location{}, errors.New("unknown")
	})}))
	complete := func(loc *model.Location, ip string) (model.Response, error) {
		return f.svc.Submit(ctx, f.empA, Submission{
			SurveyID: f.survey.ID,
			Answers:  map[int64]string{f.age(): "34"},
			Complete: true,
			Location: loc,
			ClientIP: ip,
		})
	}

	draft, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, ClientIP: "41.33.0.1"})
	require.NoError(t, err)
	assert.Nil(t, draft.Location)
	assert.Equal(t, 0, lookups, "drafts are not located")

	_, err = f.svc.Submit(ctx, f.empA, Submission{SurveyID: 999, Complete: true, ClientIP: "41.33.0.1"})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = f.svc.Submit(ctx, f.empB, Submission{SurveyID: f.survey.ID, ResponseID: draft.ID, Complete: true, ClientIP: "41.33.0.1"})
	assert.Error(t, err)
	assert.Equal(t, 0, lookups, "rejected submissions are not located")

	r, err := complete(nil, "41.33.0.1")
	require.NoError(t, err)
	require.NotNil(t, r.Location)
	assert.Equal(t, 30.04, r.Location.Lat)
	assert.Equal(t, 1, lookups)

	f.clock = f.clock.Add(24 * time.Hour)
	r, err = complete(&model.Location{Lat: 1.5, Lon: 2.5}, "41.33.0.1")
	require.NoError(t, err)
	assert.Equal(t, &model.Location{Lat: 1.5, Lon: 2.5}, r.Location)
	assert.Equal(t, 1, lookups, "a manual location wins")

	f.clock = f.clock.Add(24 * time.Hour)
	r, err = complete(nil, "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, r.Location)
}

func TestGovernorateAdminSeesOnlyOwnGovernorate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, emp := range []model.Actor{f.empA, f.empB, f.empB} {
		_, err := f.svc.Submit(ctx, emp, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "1"}})
		require.NoError(t, err)
	}

	list, err := f.svc.ListResponses(ctx, f.gadmin, ResponseFilter{SurveyID: f.survey.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	for _, r := range list {
		assert.Equal(t, f.gadmin.GovernorateID, r.GovernorateID)
	}

	all, err := f.svc.ListResponses(ctx, f.admin, ResponseFilter{SurveyID: f.survey.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed := true
	none, err := f.svc.ListResponses(ctx, f.admin, ResponseFilter{SurveyID: f.survey.ID, Completed: &completed})
	require.NoError(t, err)
	assert.Empty(t, none)

	own, err := f.svc.ListResponses(ctx, f.empB, ResponseFilter{})
	require.NoError(t, err)
	assert.Len(t, own, 2)

	sum, err := f.svc.Summary(ctx, f.gadmin, f.survey.ID)
	require.NoError(t, err)
	assert.Equal(t, Summary{SurveyID: f.survey.ID, Total: 1, Drafts: 1, Users: 1, Regions: 1}, sum)

	sum, err = f.svc.Summary(ctx, f.admin, f.survey.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Regions)

	_, err = f.svc.Summary(ctx, f.empA, f.survey.ID)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
}

func TestReviewerEditsCompletedResponse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	mine, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "34", f.done(): "true"}, Complete: true})
	require.NoError(t, err)
	theirs, err := f.svc.Submit(ctx, f.empB, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "50"}, Complete: true})
	require.NoError(t, err)

	r, err := f.svc.EditAnswers(ctx, f.gadmin, mine.ID, map[int64]string{f.age(): "35", f.city(): "S"})
	require.NoError(t, err)
	assert.True(t, r.Completed)
	age, _ := r.Answer(f.age())
	city, _ := r.Answer(f.city())
	done, _ := r.Answer(f.done())
	assert.Equal(t, "35", age)
	assert.Equal(t, "S", city)
	assert.Equal(t, "true", done, "answers not given are untouched")

	_, err = f.svc.EditAnswers(ctx, f.gadmin, theirs.ID, map[int64]string{f.age(): "1"})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = f.svc.EditAnswers(ctx, f.gadmin, mine.ID, map[int64]string{f.age(): "old"})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	_, err = f.svc.EditAnswers(ctx, f.empA, mine.ID, map[int64]string{f.age(): "1"})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	_, err = f.svc.EditAnswers(ctx, f.admin, theirs.ID, map[int64]string{f.age(): "51"})
	assert.NoError(t, err)

	_, err = f.svc.EditAnswers(ctx, f.gadmin, mine.ID, map[int64]string{f.age(): "  ", f.city(): "N"})
	var missing *model.MissingRequiredFieldsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"Age"}, missing.Labels)
	kept, err := f.svc.GetResponse(ctx, f.gadmin, mine.ID)
	require.NoError(t, err)
	assert.True(t, kept.Completed)
	age, _ = kept.Answer(f.age())
	city, _ = kept.Answer(f.city())
	assert.Equal(t, "35", age)
	assert.Equal(t, "S", city, "a rejected edit writes nothing")
}

func TestReviewerEditsDraft(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	draft, err := f.svc.Submit(ctx, f.empA, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.city(): "N"}})
	require.NoError(t, err)

	r, err := f.svc.EditAnswers(ctx, f.admin, draft.ID, map[int64]string{f.city(): "S"})
	require.NoError(t, err)
	assert.False(t, r.Completed)
	city, _ := r.Answer(f.city())
	assert.Equal(t, "S", city)
}

func TestExportSurvey(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.svc.Submit(ctx, f.empA, Submission{
		SurveyID: f.survey.ID,
		Answers:  map[int64]string{f.age(): "34", f.city(): "N"},
		Complete: true,
		Location: &model.Location{Lat: 30, Lon: 31},
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.empB, Submission{SurveyID: f.survey.ID, Answers: map[int64]string{f.age(): "50"}})
	require.NoError(t, err)

	sheets, err := f.svc.ExportSurvey(ctx, f.gadmin, f.survey.ID)
	require.NoError(t, err)
	require.Len(t, sheets, 3)

	data := sheets[0]
	assert.Equal(t, "Vaccination", data.Name)
	assert.Equal(t, []string{"Response", "User", "Region", "Governorate", "Submitted at", "Status", "Latitude", "Longitude", "Age", "City", "Done"}, data.Header)
	require.Len(t, data.Rows, 1, "only the governorate's rows")
	row := data.Rows[0]
	assert.Equal(t, "emp_a", row[1])
	assert.Equal(t, "North", row[2])
	assert.Equal(t, "completed", row[5])
	assert.Equal(t, 30.0, row[6])
	assert.Equal(t, []any{34.0, "N", false}, row[8:], "typed answer cells")

	assert.Equal(t, "Fields", sheets[1].Name)
	assert.Len(t, sheets[1].Rows, 3)
	assert.Equal(t, "N\nS", sheets[1].Rows[1][4])

	assert.Equal(t, "Users", sheets[2].Name)
	assert.Equal(t, [][]any{{"emp_a", "North", "Giza", "2024-03-01", "completed"}}, sheets[2].Rows)

	all, err := f.svc.ExportSurvey(ctx, f.admin, f.survey.ID)
	require.NoError(t, err)
	assert.Len(t, all[0].Rows, 2)
	assert.Len(t, all[2].Rows, 2)

	_, err = f.svc.ExportSurvey(ctx, f.empA, f.survey.ID)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	_, err = f.svc.ExportSurvey(ctx, f.admin, 999)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
