// Package authz decides what an actor may do and narrows queries to the rows
// the actor may see.
//
// Predicates answer yes/no questions about a single entity. Scopes are SQL
// predicates (squirrel Sqlizers) that list, read and export queries embed in
// their WHERE clause, so rows outside the actor's reach are never fetched.
// Scopes assume the conventional table aliases: s (survey), r (response),
// rg (region of a response or the region table itself), u (user), ur (region
// of a user) and g (governorate).
package authz

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/model"
)

// SurveyAccess is the slice of a survey the visibility predicate needs.
type SurveyAccess struct {
	IsActive     bool
	Governorates []int64
	// Allowed reports whether the survey is in the actor's allow-list.
	Allowed bool
}

// Require turns a failed predicate into an ErrUnauthorized.
func Require(ok bool, action string) error {
	if !ok {
		return model.Unauthorized(action)
	}
	return nil
}

func IsAdmin(a model.Actor) bool {
	return a.Is(model.RoleAdmin)
}

func CanManageDirectory(a model.Actor) bool {
	return IsAdmin(a)
}

func CanManageUsers(a model.Actor) bool {
	return IsAdmin(a)
}

// CanManageEmployee reports whether a may change the region and allow-list
// of target.
func CanManageEmployee(a model.Actor, target model.User) bool {
	if IsAdmin(a) {
		return true
	}
	return a.Is(model.RoleGovernorateAdmin) &&
		target.Role == model.RoleEmployee &&
		target.GovernorateID == a.GovernorateID
}

// IsSurveyVisibleTo is the single visibility rule for surveys: active,
// permitted in the actor's governorate, and for employees also in their
// allow-list. Admins see everything.
func IsSurveyVisibleTo(a model.Actor, s SurveyAccess) bool {
	if !a.Authenticated() {
		return false
	}
	if a.Role == model.RoleAdmin {
		return true
	}
	return s.IsActive &&
		contains(s.Governorates, a.GovernorateID) &&
		(s.Allowed || a.Role != model.RoleEmployee)
}

// CanEditSurveyDefinition covers name, fields and permitted governorates.
func CanEditSurveyDefinition(a model.Actor) bool {
	return IsAdmin(a)
}

// CanManageSurvey covers reading a survey regardless of its active flag,
// toggling that flag and reviewing its responses.
func CanManageSurvey(a model.Actor, governorates []int64) bool {
	if IsAdmin(a) {
		return true
	}
	return a.Is(model.RoleGovernorateAdmin) && contains(governorates, a.GovernorateID)
}

// CanReviewResponse covers reading, editing and exporting a response whose
// region lies in governorateID.
func CanReviewResponse(a model.Actor, governorateID int64) bool {
	if IsAdmin(a) {
		return true
	}
	return a.Is(model.RoleGovernorateAdmin) && a.GovernorateID == governorateID
}

func CanViewResponse(a model.Actor, r model.Response) bool {
	if CanReviewResponse(a, r.GovernorateID) {
		return true
	}
	return a.Is(model.RoleEmployee) && r.UserID == a.UserID
}

// CanContinueResponse reports whether an employee may still save or submit
// r. Completed responses are read-only for employees.
func CanContinueResponse(a model.Actor, r model.Response) bool {
	return a.Is(model.RoleEmployee) && r.UserID == a.UserID && !r.Completed
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

var everything = sq.And{}

const (
	existsSurveyGovernorate = "EXISTS (SELECT 1 FROM survey_governorate sg WHERE sg.survey_id = s.id AND sg.governorate_id = ?)"
	existsUserSurvey        = "EXISTS (SELECT 1 FROM user_survey us WHERE us.survey_id = s.id AND us.user_id = ?)"
)

// SurveyVisibleScope is the SQL form of IsSurveyVisibleTo.
func SurveyVisibleScope(a model.Actor) (sq.Sqlizer, error) {
	if !a.Authenticated() {
		return nil, model.Unauthorized("list surveys")
	}
	switch a.Role {
	case model.RoleAdmin:
		return everything, nil
	case model.RoleGovernorateAdmin:
		return sq.And{
			sq.Eq{"s.is_active": true},
			sq.Expr(existsSurveyGovernorate, a.GovernorateID),
		}, nil
	default:
		return sq.And{
			sq.Eq{"s.is_active": true},
			sq.Expr(existsSurveyGovernorate, a.GovernorateID),
			sq.Expr(existsUserSurvey, a.UserID),
		}, nil
	}
}

// SurveyManageScope is the SQL form of CanManageSurvey.
func SurveyManageScope(a model.Actor) (sq.Sqlizer, error) {
	switch {
	case IsAdmin(a):
		return everything, nil
	case a.Is(model.RoleGovernorateAdmin):
		return sq.Expr(existsSurveyGovernorate, a.GovernorateID), nil
	}
	return nil, model.Unauthorized("manage surveys")
}

// SurveyListScope is what a survey listing shows: reviewers see the surveys
// they manage, employees the surveys visible to them.
func SurveyListScope(a model.Actor) (sq.Sqlizer, error) {
	if a.Is(model.RoleEmployee) {
		return SurveyVisibleScope(a)
	}
	return SurveyManageScope(a)
}

// ResponseScope narrows responses: reviewers to their governorate, employees
// to their own submissions.
func ResponseScope(a model.Actor) (sq.Sqlizer, error) {
	if !a.Authenticated() {
		return nil, model.Unauthorized("read responses")
	}
	switch a.Role {
	case model.RoleAdmin:
		return everything, nil
	case model.RoleGovernorateAdmin:
		return sq.Eq{"rg.governorate_id": a.GovernorateID}, nil
	default:
		return sq.Eq{"r.user_id": a.UserID}, nil
	}
}

// UserScope narrows user listings: governorate admins see the employees of
// their governorate, employees only themselves.
func UserScope(a model.Actor) (sq.Sqlizer, error) {
	if !a.Authenticated() {
		return nil, model.Unauthorized("read users")
	}
	switch a.Role {
	case model.RoleAdmin:
		return everything, nil
	case model.RoleGovernorateAdmin:
		return sq.And{
			sq.Eq{"u.role": string(model.RoleEmployee)},
			sq.Eq{"ur.governorate_id": a.GovernorateID},
		}, nil
	default:
		return sq.Eq{"u.id": a.UserID}, nil
	}
}

func GovernorateScope(a model.Actor) (sq.Sqlizer, error) {
	if !a.Authenticated() {
		return nil, model.Unauthorized("read governorates")
	}
	if a.Role == model.RoleAdmin {
		return everything, nil
	}
	return sq.Eq{"g.id": a.GovernorateID}, nil
}

func RegionScope(a model.Actor) (sq.Sqlizer, error) {
	if !a.Authenticated() {
		return nil, model.Unauthorized("read regions")
	}
	if a.Role == model.RoleAdmin {
		return everything, nil
	}
	return sq.Eq{"rg.governorate_id": a.GovernorateID}, nil
}
