package users

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolis/regional-survey/database/dbtest"
	"github.com/mbolis/regional-survey/model"
)

var admin = model.Actor{UserID: 1000, Role: model.RoleAdmin}

type fixture struct {
	db      *sql.DB
	svc     *Service
	giza    int64
	alex    int64
	north   int64
	coast   int64
	surveyA int64
	surveyB int64
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t)
	f := fixture{db: db, svc: NewService(db)}
	f.svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	f.giza = insert(t, db, `INSERT INTO governorate (name) VALUES ('Giza')`)
	f.alex = insert(t, db, `INSERT INTO governorate (name) VALUES ('Alexandria')`)
	f.north = insert(t, db, `INSERT INTO region (name, governorate_id) VALUES ('North', ?)`, f.giza)
	f.coast = insert(t, db, `INSERT INTO region (name, governorate_id) VALUES ('Coast', ?)`, f.alex)
	f.surveyA = insert(t, db, `INSERT INTO survey (name, created_at) VALUES ('A', ?)`, time.Now())
	f.surveyB = insert(t, db, `INSERT INTO survey (name, created_at) VALUES ('B', ?)`, time.Now())
	insert(t, db, `INSERT INTO survey_governorate (survey_id, governorate_id) VALUES (?, ?)`, f.surveyA, f.giza)
	insert(t, db, `INSERT INTO survey_governorate (survey_id, governorate_id) VALUES (?, ?)`, f.surveyB, f.alex)
	return f
}

func insert(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestPasswordDigest(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, CheckPassword(hash, "s3cret"))
	for _, altered := range []string{"s3cret ", "S3cret", "s3cre", ""} {
		assert.False(t, CheckPassword(hash, altered), altered)
	}
}

func TestCreateUserStoresDigest(t *testing.T) {
	f := setup(t)
	u, err := f.svc.CreateUser(context.Background(), admin, NewUser{
		Username: "root2",
		Password: "hunter2",
		Role:     model.RoleAdmin,
	})
	require.NoError(t, err)

	var stored string
	require.NoError(t, f.db.QueryRow(`SELECT password_hash FROM user WHERE id = ?`, u.ID).Scan(&stored))
	assert.NotEqual(t, "hunter2", stored)
	assert.True(t, CheckPassword(stored, "hunter2"))
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), u.CreatedAt.UTC())
}

func TestCreateUserRoleAssociations(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	emp, err := f.svc.CreateUser(ctx, admin, NewUser{
		Username:       "emp",
		Password:       "pw",
		Role:           model.RoleEmployee,
		RegionID:       f.north,
		AllowedSurveys: []int64{f.surveyA, f.surveyA},
	})
	require.NoError(t, err)
	assert.Equal(t, f.north, emp.RegionID)
	assert.Equal(t, f.giza, emp.GovernorateID)
	assert.Equal(t, []int64{f.surveyA}, emp.AllowedSurveys)

	gadmin, err := f.svc.CreateUser(ctx, admin, NewUser{
		Username:      "gadmin",
		Password:      "pw",
		Role:          model.RoleGovernorateAdmin,
		GovernorateID: f.alex,
	})
	require.NoError(t, err)
	assert.Equal(t, f.alex, gadmin.GovernorateID)
	assert.Zero(t, gadmin.RegionID)

	invalid := []NewUser{
		{Username: "a", Password: "pw", Role: model.RoleAdmin, RegionID: f.north},
		{Username: "b", Password: "pw", Role: model.RoleEmployee},
		{Username: "c", Password: "pw", Role: model.RoleGovernorateAdmin},
		{Username: "d", Password: "pw", Role: "root"},
		{Username: "e", Password: "pw", Role: model.RoleAdmin, AllowedSurveys: []int64{f.surveyA}},
		{Username: " ", Password: "pw", Role: model.RoleAdmin},
		{Username: "f", Role: model.RoleAdmin},
	}
	for _, nu := range invalid {
		_, err := f.svc.CreateUser(ctx, admin, nu)
		assert.True(t, errors.Is(err, model.ErrInvalidInput), nu.Username)
	}

	_, err = f.svc.CreateUser(ctx, admin, NewUser{Username: "emp", Password: "pw", Role: model.RoleAdmin})
	assert.True(t, errors.Is(err, model.ErrDuplicateName))

	_, err = f.svc.CreateUser(ctx, admin, NewUser{Username: "x", Password: "pw", Role: model.RoleEmployee, RegionID: 999})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	// a failing allow-list entry leaves no half-created user behind
	_, err = f.svc.CreateUser(ctx, admin, NewUser{Username: "y", Password: "pw", Role: model.RoleEmployee, RegionID: f.north, AllowedSurveys: []int64{999}})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, 0, dbtest.Count(t, f.db, "user", "username = 'y'"))

	_, err = f.svc.CreateUser(ctx, model.Actor{UserID: 9, Role: model.RoleGovernorateAdmin, GovernorateID: f.giza}, NewUser{Username: "z", Password: "pw", Role: model.RoleAdmin})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
}

func TestUpdateUserClearsAssociations(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	u, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "gadmin", Password: "pw", Role: model.RoleGovernorateAdmin, GovernorateID: f.giza})
	require.NoError(t, err)

	u, err = f.svc.UpdateUser(ctx, admin, u.ID, UserUpdate{Username: "emp", Role: model.RoleEmployee, RegionID: f.coast})
	require.NoError(t, err)
	assert.Equal(t, "emp", u.Username)
	assert.Equal(t, f.alex, u.GovernorateID)
	assert.Equal(t, 0, dbtest.Count(t, f.db, "governorate_admin", "user_id = ?", u.ID))

	require.NoError(t, f.svc.SetAllowedSurveys(ctx, admin, u.ID, []int64{f.surveyB}))

	u, err = f.svc.UpdateUser(ctx, admin, u.ID, UserUpdate{Username: "boss", Role: model.RoleAdmin})
	require.NoError(t, err)
	assert.Zero(t, u.RegionID)
	assert.Zero(t, u.GovernorateID)
	assert.Equal(t, 0, dbtest.Count(t, f.db, "user_survey", "user_id = ?", u.ID))

	_, err = f.svc.UpdateUser(ctx, admin, 999, UserUpdate{Username: "ghost", Role: model.RoleAdmin})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestBindGovernorateAdminReplacesBinding(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	u, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "gadmin", Password: "pw", Role: model.RoleGovernorateAdmin, GovernorateID: f.giza})
	require.NoError(t, err)

	require.NoError(t, f.svc.BindGovernorateAdmin(ctx, admin, u.ID, f.alex))
	assert.Equal(t, 1, dbtest.Count(t, f.db, "governorate_admin", "user_id = ?", u.ID))
	u, err = f.svc.GetUser(ctx, admin, u.ID)
	require.NoError(t, err)
	assert.Equal(t, f.alex, u.GovernorateID)

	emp, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "emp", Password: "pw", Role: model.RoleEmployee, RegionID: f.north})
	require.NoError(t, err)
	err = f.svc.BindGovernorateAdmin(ctx, admin, emp.ID, f.alex)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestGovernorateAdminManagesOwnEmployees(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	gadmin, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "gadmin", Password: "pw", Role: model.RoleGovernorateAdmin, GovernorateID: f.giza})
	require.NoError(t, err)
	mine, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "mine", Password: "pw", Role: model.RoleEmployee, RegionID: f.north})
	require.NoError(t, err)
	theirs, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "theirs", Password: "pw", Role: model.RoleEmployee, RegionID: f.coast})
	require.NoError(t, err)
	actor := gadmin.Actor()

	users, err := f.svc.ListUsers(ctx, actor)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, mine.ID, users[0].ID)

	_, err = f.svc.GetUser(ctx, actor, theirs.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	require.NoError(t, f.svc.SetAllowedSurveys(ctx, actor, mine.ID, []int64{f.surveyA}))

	err = f.svc.SetAllowedSurveys(ctx, actor, mine.ID, []int64{f.surveyB})
	assert.True(t, errors.Is(err, model.ErrUnauthorized), "survey not permitted in governorate")

	err = f.svc.SetAllowedSurveys(ctx, actor, theirs.ID, []int64{f.surveyA})
	assert.True(t, errors.Is(err, model.ErrUnauthorized), "employee of another governorate")

	_, err = f.svc.UpdateEmployeeScope(ctx, actor, mine.ID, f.coast, nil)
	assert.True(t, errors.Is(err, model.ErrUnauthorized), "region of another governorate")

	south := insert(t, f.db, `INSERT INTO region (name, governorate_id) VALUES ('South', ?)`, f.giza)
	u, err := f.svc.UpdateEmployeeScope(ctx, actor, mine.ID, south, []int64{})
	require.NoError(t, err)
	assert.Equal(t, south, u.RegionID)
	assert.Empty(t, u.AllowedSurveys)

	_, err = f.svc.UpdateUser(ctx, actor, mine.ID, UserUpdate{Username: "renamed", Role: model.RoleEmployee, RegionID: south})
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	_, err = f.svc.ListUsers(ctx, mine.Actor())
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	self, err := f.svc.GetUser(ctx, u.Actor(), mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", self.Username)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	emp, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "emp", Password: "pw", Role: model.RoleEmployee, RegionID: f.north, AllowedSurveys: []int64{f.surveyA}})
	require.NoError(t, err)
	idle, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "idle", Password: "pw", Role: model.RoleEmployee, RegionID: f.north, AllowedSurveys: []int64{f.surveyA}})
	require.NoError(t, err)
	insert(t, f.db, `
		INSERT INTO response (survey_id, user_id, region_id, submitted_at, submitted_on, is_completed)
		VALUES (?, ?, ?, ?, '2024-03-01', 1)`,
		f.surveyA, emp.ID, f.north, time.Now(),
	)

	err = f.svc.DeleteUser(ctx, admin, emp.ID)
	assert.True(t, errors.Is(err, model.ErrHasResponses))
	assert.Equal(t, 1, dbtest.Count(t, f.db, "user", "id = ?", emp.ID))

	require.NoError(t, f.svc.DeleteUser(ctx, admin, idle.ID))
	assert.Equal(t, 0, dbtest.Count(t, f.db, "user", "id = ?", idle.ID))
	assert.Equal(t, 0, dbtest.Count(t, f.db, "user_survey", "user_id = ?", idle.ID))

	err = f.svc.DeleteUser(ctx, admin, idle.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	err = f.svc.DeleteUser(ctx, admin, admin.UserID)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	emp, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "emp", Password: "pw", Role: model.RoleEmployee, RegionID: f.north, AllowedSurveys: []int64{f.surveyA}})
	require.NoError(t, err)
	assert.Nil(t, emp.LastLogin)

	u, err := f.svc.Authenticate(ctx, "emp", "pw")
	require.NoError(t, err)
	assert.Equal(t, emp.ID, u.ID)
	assert.Equal(t, []int64{f.surveyA}, u.AllowedSurveys)
	require.NotNil(t, u.LastLogin)

	stored, err := f.svc.GetUser(ctx, admin, emp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastLogin)

	_, err = f.svc.Authenticate(ctx, "emp", "PW")
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
	_, err = f.svc.Authenticate(ctx, "nobody", "pw")
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	require.NoError(t, f.svc.ChangePassword(ctx, emp.Actor(), emp.ID, "new-pw"))
	_, err = f.svc.Authenticate(ctx, "emp", "new-pw")
	assert.NoError(t, err)

	err = f.svc.ChangePassword(ctx, emp.Actor(), admin.UserID, "x")
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
}

func TestEnsureBootstrapAdmin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	created, err := f.svc.EnsureBootstrapAdmin(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.EnsureBootstrapAdmin(ctx, "other", "pw")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, dbtest.Count(t, f.db, "user", "role = 'admin'"))

	u, err := f.svc.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, u.Role)
}

func TestSessionActor(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	emp, err := f.svc.CreateUser(ctx, admin, NewUser{Username: "emp", Password: "pw", Role: model.RoleEmployee, RegionID: f.north})
	require.NoError(t, err)

	a, err := f.svc.SessionActor(ctx, "emp")
	require.NoError(t, err)
	assert.Equal(t, model.Actor{UserID: emp.ID, Role: model.RoleEmployee, RegionID: f.north, GovernorateID: f.giza}, a)

	_, err = f.svc.UpdateEmployeeScope(ctx, admin, emp.ID, f.coast, nil)
	require.NoError(t, err)
	a, err = f.svc.SessionActor(ctx, "emp")
	require.NoError(t, err)
	assert.Equal(t, f.alex, a.GovernorateID)

	_, err = f.svc.SessionActor(ctx, "ghost")
	assert.True(t, errors.Is(err, model.ErrUnauthorized))
}
