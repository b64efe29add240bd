package routes

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/routes/middlewares"
	"github.com/mbolis/regional-survey/users"
)

type bindBody struct {
	GovernorateID int64 `json:"governorate_id"`
}

type surveysBody struct {
	Surveys []int64 `json:"surveys"`
}

type scopeBody struct {
	RegionID int64   `json:"region_id"`
	Surveys  []int64 `json:"surveys"`
}

func CreateUser(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body users.NewUser
		if !decodeBody(w, r, &body) {
			return
		}
		u, err := app.Users.CreateUser(r.Context(), middlewares.ActorFrom(r.Context()), body)
		if err != nil {
			httpx.WriteError(w, r, "create_user", err)
			return
		}
		created(w, r, u)
	}
}

func UpdateUser(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body users.UserUpdate
		if !decodeBody(w, r, &body) {
			return
		}
		u, err := app.Users.UpdateUser(r.Context(), middlewares.ActorFrom(r.Context()), id, body)
		if err != nil {
			httpx.WriteError(w, r, "update_user", err)
			return
		}
		render.JSON(w, r, u)
	}
}

func DeleteUser(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if err := app.Users.DeleteUser(r.Context(), middlewares.ActorFrom(r.Context()), id); err != nil {
			httpx.WriteError(w, r, "delete_user", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetUser(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		u, err := app.Users.GetUser(r.Context(), middlewares.ActorFrom(r.Context()), id)
		if err != nil {
			httpx.WriteError(w, r, "get_user", err)
			return
		}
		render.JSON(w, r, u)
	}
}

func ListUsers(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		us, err := app.Users.ListUsers(r.Context(), middlewares.ActorFrom(r.Context()))
		if err != nil {
			httpx.WriteError(w, r, "list_users", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"users": us,
		})
	}
}

func BindGovernorateAdmin(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body bindBody
		if !decodeBody(w, r, &body) {
			return
		}
		actor := middlewares.ActorFrom(r.Context())
		if err := app.Users.BindGovernorateAdmin(r.Context(), actor, id, body.GovernorateID); err != nil {
			httpx.WriteError(w, r, "bind_governorate_admin", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func ChangePassword(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body passwordBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := app.Users.ChangePassword(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Password); err != nil {
			httpx.WriteError(w, r, "change_password", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func SetAllowedSurveys(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body surveysBody
		if !decodeBody(w, r, &body) {
			return
		}
		if err := app.Users.SetAllowedSurveys(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Surveys); err != nil {
			httpx.WriteError(w, r, "set_allowed_surveys", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func UpdateEmployeeScope(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body scopeBody
		if !decodeBody(w, r, &body) {
			return
		}
		u, err := app.Users.UpdateEmployeeScope(r.Context(), middlewares.ActorFrom(r.Context()), id, body.RegionID, body.Surveys)
		if err != nil {
			httpx.WriteError(w, r, "update_employee_scope", err)
			return
		}
		render.JSON(w, r, u)
	}
}
