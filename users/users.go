// Package users is the registry of accounts, their role and the scope each
// role is bound to.
//
// The role decides which associations a user carries:
//
//	admin              no region, no governorate binding, no allow-list
//	governorate_admin  exactly one governorate binding
//	employee           exactly one region and an allow-list of surveys
//
// Every multi-statement change runs in a single transaction.
package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/model"
)

type NewUser struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
	// RegionID is required for employees.
	RegionID int64 `json:"region_id,omitempty"`
	// GovernorateID is required for governorate admins. For employees the
	// governorate follows from the region.
	GovernorateID  int64   `json:"governorate_id,omitempty"`
	AllowedSurveys []int64 `json:"allowed_surveys,omitempty"`
}

type UserUpdate struct {
	Username      string     `json:"username"`
	Role          model.Role `json:"role"`
	RegionID      int64      `json:"region_id,omitempty"`
	GovernorateID int64      `json:"governorate_id,omitempty"`
}

type Service struct {
	db  *sql.DB
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func (s *Service) CreateUser(ctx context.Context, actor model.Actor, nu NewUser) (model.User, error) {
	if err := authz.Require(authz.CanManageUsers(actor), "create user"); err != nil {
		return model.User{}, err
	}
	nu.Username = strings.TrimSpace(nu.Username)
	if nu.Username == "" {
		return model.User{}, model.Invalid("username is required")
	}
	if nu.Password == "" {
		return model.User{}, model.Invalid("password is required")
	}
	if err := checkAssociations(nu.Role, nu.RegionID, nu.GovernorateID); err != nil {
		return model.User{}, err
	}
	if len(nu.AllowedSurveys) > 0 && nu.Role != model.RoleEmployee {
		return model.User{}, model.Invalid("only employees have an allow-list")
	}

	hash, err := HashPassword(nu.Password)
	if err != nil {
		return model.User{}, model.DBError("users.hash_password", err)
	}

	var id int64
	err = database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		id, err = s.insertUser(ctx, tx, nu.Username, hash, nu.Role, nu.RegionID)
		if err != nil {
			return err
		}
		switch nu.Role {
		case model.RoleGovernorateAdmin:
			return bindGovernorate(ctx, tx, id, nu.GovernorateID)
		case model.RoleEmployee:
			return replaceAllowList(ctx, tx, id, nu.AllowedSurveys)
		}
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, actor, id)
}

func (s *Service) insertUser(ctx context.Context, q database.Querier, username, hash string, role model.Role, regionID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO user (username, password_hash, role, region_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		username,
		hash,
		string(role),
		database.NullID(regionID),
		s.now().UTC(),
	).Scan(&id)
	switch {
	case database.IsUniqueViolation(err):
		return 0, model.ErrDuplicateName
	case database.IsForeignKeyViolation(err):
		return 0, model.NotFound("region", regionID)
	case err != nil:
		return 0, model.DBError("db.insert_user", err)
	}
	return id, nil
}

// UpdateUser changes username, role and scope binding. Associations the new
// role does not permit are cleared.
func (s *Service) UpdateUser(ctx context.Context, actor model.Actor, id int64, uu UserUpdate) (model.User, error) {
	if err := authz.Require(authz.CanManageUsers(actor), "update user"); err != nil {
		return model.User{}, err
	}
	uu.Username = strings.TrimSpace(uu.Username)
	if uu.Username == "" {
		return model.User{}, model.Invalid("username is required")
	}
	if err := checkAssociations(uu.Role, uu.RegionID, uu.GovernorateID); err != nil {
		return model.User{}, err
	}

	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE user
			SET username = ?, role = ?, region_id = ?
			WHERE id = ?`,
			uu.Username,
			string(uu.Role),
			database.NullID(uu.RegionID),
			id,
		)
		switch {
		case database.IsUniqueViolation(err):
			return model.ErrDuplicateName
		case database.IsForeignKeyViolation(err):
			return model.NotFound("region", uu.RegionID)
		case err != nil:
			return model.DBError("db.update_user", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.DBError("db.update_user.verify", err)
		}
		if n < 1 {
			return model.NotFound("user", id)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM governorate_admin WHERE user_id = ?`, id)
		if err != nil {
			return model.DBError("db.update_user.unbind", err)
		}
		switch uu.Role {
		case model.RoleGovernorateAdmin:
			return bindGovernorate(ctx, tx, id, uu.GovernorateID)
		case model.RoleEmployee:
			return nil
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM user_survey WHERE user_id = ?`, id)
		if err != nil {
			return model.DBError("db.update_user.allow_list", err)
		}
		return nil
	})
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, actor, id)
}

// BindGovernorateAdmin replaces the governorate binding of a governorate
// admin.
func (s *Service) BindGovernorateAdmin(ctx context.Context, actor model.Actor, userID, governorateID int64) error {
	if err := authz.Require(authz.CanManageUsers(actor), "bind governorate admin"); err != nil {
		return err
	}
	if governorateID <= 0 {
		return model.Invalid("governorate is required")
	}

	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		target, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if target.Role != model.RoleGovernorateAdmin {
			return model.Invalid("user %q is not a governorate admin", target.Username)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM governorate_admin WHERE user_id = ?`, userID)
		if err != nil {
			return model.DBError("db.bind_governorate_admin.delete", err)
		}
		return bindGovernorate(ctx, tx, userID, governorateID)
	})
}

// SetAllowedSurveys replaces the allow-list of an employee. Governorate
// admins may only grant surveys permitted in their governorate to their own
// employees.
func (s *Service) SetAllowedSurveys(ctx context.Context, actor model.Actor, userID int64, surveyIDs []int64) error {
	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := loadEmployee(ctx, tx, actor, userID); err != nil {
			return err
		}
		if err := checkGrantable(ctx, tx, actor, surveyIDs); err != nil {
			return err
		}
		return replaceAllowList(ctx, tx, userID, surveyIDs)
	})
}

// UpdateEmployeeScope is the part of an employee a governorate admin may
// change: the assigned region and the allow-list.
func (s *Service) UpdateEmployeeScope(ctx context.Context, actor model.Actor, userID, regionID int64, surveyIDs []int64) (model.User, error) {
	if regionID <= 0 {
		return model.User{}, model.Invalid("employees need a region")
	}

	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := loadEmployee(ctx, tx, actor, userID); err != nil {
			return err
		}

		var governorateID int64
		err := tx.QueryRowContext(ctx, `SELECT governorate_id FROM region WHERE id = ?`, regionID).Scan(&governorateID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return model.NotFound("region", regionID)
		case err != nil:
			return model.DBError("db.update_employee_scope.region", err)
		}
		if !authz.IsAdmin(actor) && governorateID != actor.GovernorateID {
			return model.Unauthorized("move employee out of governorate")
		}
		if err := checkGrantable(ctx, tx, actor, surveyIDs); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE user SET region_id = ? WHERE id = ?`, regionID, userID)
		if err != nil {
			return model.DBError("db.update_employee_scope", err)
		}
		return replaceAllowList(ctx, tx, userID, surveyIDs)
	})
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, actor, userID)
}

// DeleteUser removes an account that never authored a response.
func (s *Service) DeleteUser(ctx context.Context, actor model.Actor, id int64) error {
	if err := authz.Require(authz.CanManageUsers(actor), "delete user"); err != nil {
		return err
	}
	if id == actor.UserID {
		return model.Invalid("cannot delete the signed in account")
	}

	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		target, err := getUser(ctx, tx, id)
		if err != nil {
			return err
		}
		hasResponses, err := database.Exists(ctx, tx, `SELECT 1 FROM response WHERE user_id = ? LIMIT 1`, id)
		if err != nil {
			return model.DBError("db.delete_user.responses", err)
		}
		if hasResponses {
			return model.ErrHasResponses
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM token WHERE username = ?`, target.Username)
		if err != nil {
			return model.DBError("db.delete_user.tokens", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM user WHERE id = ?`, id)
		if err != nil {
			return model.DBError("db.delete_user", err)
		}
		return nil
	})
}

func (s *Service) GetUser(ctx context.Context, actor model.Actor, id int64) (model.User, error) {
	users, err := s.listUsers(ctx, actor, sq.Eq{"u.id": id})
	if err != nil {
		return model.User{}, err
	}
	if len(users) == 0 {
		return model.User{}, model.NotFound("user", id)
	}
	return users[0], nil
}

// ListUsers returns all accounts to admins and the employees of their
// governorate to governorate admins.
func (s *Service) ListUsers(ctx context.Context, actor model.Actor) ([]model.User, error) {
	if !authz.IsAdmin(actor) && !actor.Is(model.RoleGovernorateAdmin) {
		return nil, model.Unauthorized("list users")
	}
	return s.listUsers(ctx, actor, sq.And{})
}

func (s *Service) listUsers(ctx context.Context, actor model.Actor, filter sq.Sqlizer) ([]model.User, error) {
	scope, err := authz.UserScope(actor)
	if err != nil {
		return nil, err
	}
	query, args, err := selectUsers().Where(scope).Where(filter).OrderBy("u.username").ToSql()
	if err != nil {
		return nil, model.DBError("db.get_users.build", err)
	}
	users, err := scanUsers(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	if err := loadAllowLists(ctx, s.db, users); err != nil {
		return nil, err
	}
	return users, nil
}

func selectUsers() sq.SelectBuilder {
	return sq.Select(
		"u.id", "u.username", "u.password_hash", "u.role", "u.created_at", "u.last_login",
		"COALESCE(u.region_id, 0)",
		"COALESCE(ga.governorate_id, ur.governorate_id, 0)",
	).
		From("user u").
		LeftJoin("region ur ON ur.id = u.region_id").
		LeftJoin("governorate_admin ga ON ga.user_id = u.id")
}

func scanUsers(ctx context.Context, q database.Querier, query string, args ...any) ([]model.User, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_users", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u := model.User{}
		var lastLogin sql.NullTime
		err = rows.Scan(
			&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &lastLogin,
			&u.RegionID, &u.GovernorateID,
		)
		if err != nil {
			return nil, model.DBError("db.get_users.scan", err)
		}
		if lastLogin.Valid {
			u.LastLogin = &lastLogin.Time
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_users.rows", err)
	}
	return users, nil
}

func loadAllowLists(ctx context.Context, q database.Querier, users []model.User) error {
	byID := map[int64]*model.User{}
	ids := []int64{}
	for i := range users {
		if users[i].Role == model.RoleEmployee {
			byID[users[i].ID] = &users[i]
			ids = append(ids, users[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Select("us.user_id", "us.survey_id").
		From("user_survey us").
		Where(sq.Eq{"us.user_id": ids}).
		OrderBy("us.user_id", "us.survey_id").
		ToSql()
	if err != nil {
		return model.DBError("db.get_allow_lists.build", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return model.DBError("db.get_allow_lists", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, surveyID int64
		if err := rows.Scan(&userID, &surveyID); err != nil {
			return model.DBError("db.get_allow_lists.scan", err)
		}
		u := byID[userID]
		u.AllowedSurveys = append(u.AllowedSurveys, surveyID)
	}
	if err := rows.Err(); err != nil {
		return model.DBError("db.get_allow_lists.rows", err)
	}
	return nil
}

// getUser reads a user without scoping, for checks made inside a
// transaction.
func getUser(ctx context.Context, q database.Querier, id int64) (model.User, error) {
	query, args, err := selectUsers().Where(sq.Eq{"u.id": id}).ToSql()
	if err != nil {
		return model.User{}, model.DBError("db.get_user.build", err)
	}
	users, err := scanUsers(ctx, q, query, args...)
	if err != nil {
		return model.User{}, err
	}
	if len(users) == 0 {
		return model.User{}, model.NotFound("user", id)
	}
	return users[0], nil
}

func loadEmployee(ctx context.Context, q database.Querier, actor model.Actor, id int64) (model.User, error) {
	if !actor.Authenticated() {
		return model.User{}, model.Unauthorized("manage employee")
	}
	target, err := getUser(ctx, q, id)
	if err != nil {
		return model.User{}, err
	}
	if !authz.CanManageEmployee(actor, target) {
		return model.User{}, model.Unauthorized("manage employee")
	}
	if target.Role != model.RoleEmployee {
		return model.User{}, model.Invalid("user %q is not an employee", target.Username)
	}
	return target, nil
}

// checkGrantable rejects surveys a governorate admin could not see
// themselves.
func checkGrantable(ctx context.Context, q database.Querier, actor model.Actor, surveyIDs []int64) error {
	ids := dedup(surveyIDs)
	if authz.IsAdmin(actor) || len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Select("COUNT(*)").
		From("survey_governorate sg").
		Where(sq.Eq{"sg.governorate_id": actor.GovernorateID, "sg.survey_id": ids}).
		ToSql()
	if err != nil {
		return model.DBError("db.check_grantable.build", err)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return model.DBError("db.check_grantable", err)
	}
	if n != len(ids) {
		return model.Unauthorized("grant survey outside governorate")
	}
	return nil
}

func replaceAllowList(ctx context.Context, tx *sql.Tx, userID int64, surveyIDs []int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_survey WHERE user_id = ?`, userID)
	if err != nil {
		return model.DBError("db.replace_allow_list.delete", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO user_survey (user_id, survey_id) VALUES (?, ?)`)
	if err != nil {
		return model.DBError("db.replace_allow_list.prepare", err)
	}
	defer stmt.Close()

	for _, surveyID := range dedup(surveyIDs) {
		_, err := stmt.ExecContext(ctx, userID, surveyID)
		if database.IsForeignKeyViolation(err) {
			return model.NotFound("survey", surveyID)
		}
		if err != nil {
			return model.DBError("db.replace_allow_list.insert", err)
		}
	}
	return nil
}

func bindGovernorate(ctx context.Context, tx *sql.Tx, userID, governorateID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO governorate_admin (user_id, governorate_id) VALUES (?, ?)`,
		userID,
		governorateID,
	)
	if database.IsForeignKeyViolation(err) {
		return model.NotFound("governorate", governorateID)
	}
	return model.DBError("db.bind_governorate_admin", err)
}

func checkAssociations(role model.Role, regionID, governorateID int64) error {
	switch role {
	case model.RoleAdmin:
		if regionID != 0 || governorateID != 0 {
			return model.Invalid("admins have no region or governorate")
		}
	case model.RoleGovernorateAdmin:
		if governorateID <= 0 {
			return model.Invalid("governorate admins need a governorate")
		}
		if regionID != 0 {
			return model.Invalid("governorate admins have no region")
		}
	case model.RoleEmployee:
		if regionID <= 0 {
			return model.Invalid("employees need a region")
		}
	default:
		return model.Invalid("unknown role %q", role)
	}
	return nil
}

func dedup(ids []int64) []int64 {
	seen := map[int64]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Authenticate checks a username/password pair and records the login.
// Accounts whose role is missing its scope binding cannot sign in.
func (s *Service) Authenticate(ctx context.Context, username, password string) (model.User, error) {
	query, args, err := selectUsers().Where(sq.Eq{"u.username": username}).ToSql()
	if err != nil {
		return model.User{}, model.DBError("db.authenticate.build", err)
	}
	users, err := scanUsers(ctx, s.db, query, args...)
	if err != nil {
		return model.User{}, err
	}
	if len(users) == 0 || !CheckPassword(users[0].PasswordHash, password) {
		return model.User{}, model.Unauthorized("bad credentials")
	}
	if !users[0].Actor().Authenticated() {
		return model.User{}, model.Unauthorized("account has no scope")
	}
	if err := loadAllowLists(ctx, s.db, users[:1]); err != nil {
		return model.User{}, err
	}
	u := users[0]

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `UPDATE user SET last_login = ? WHERE id = ?`, now, u.ID)
	if err != nil {
		return model.User{}, model.DBError("db.authenticate.last_login", err)
	}
	u.LastLogin = &now
	return u, nil
}

// ChangePassword is allowed to admins and to the account owner.
func (s *Service) ChangePassword(ctx context.Context, actor model.Actor, id int64, password string) error {
	if !authz.IsAdmin(actor) && !(actor.Authenticated() && actor.UserID == id) {
		return model.Unauthorized("change password")
	}
	if password == "" {
		return model.Invalid("password is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return model.DBError("users.hash_password", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE user SET password_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return model.DBError("db.change_password", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.DBError("db.change_password.verify", err)
	}
	if n < 1 {
		return model.NotFound("user", id)
	}
	return nil
}

// EnsureBootstrapAdmin creates the first admin account when none exists.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, model.Invalid("bootstrap credentials are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, model.DBError("users.hash_password", err)
	}

	created := false
	err = database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		found, err := database.Exists(ctx, tx, `SELECT 1 FROM user WHERE role = ? LIMIT 1`, string(model.RoleAdmin))
		if err != nil {
			return model.DBError("db.bootstrap.exists", err)
		}
		if found {
			return nil
		}
		if _, err := s.insertUser(ctx, tx, username, hash, model.RoleAdmin, 0); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		log.Warnf("bootstrap admin %q created: change its password now", username)
	}
	return created, nil
}

// SessionActor returns the current identity of username for a session.
// It is read afresh so that a refreshed session picks up scope changes.
func (s *Service) SessionActor(ctx context.Context, username string) (model.Actor, error) {
	query, args, err := selectUsers().Where(sq.Eq{"u.username": username}).ToSql()
	if err != nil {
		return model.Actor{}, model.DBError("db.session_actor.build", err)
	}
	users, err := scanUsers(ctx, s.db, query, args...)
	if err != nil {
		return model.Actor{}, err
	}
	if len(users) == 0 || !users[0].Actor().Authenticated() {
		return model.Actor{}, model.Unauthorized("open session")
	}
	return users[0].Actor(), nil
}
