package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/model"
	"github.com/mbolis/regional-survey/routes/middlewares"
)

const idPattern = `{id:^\d+$}`

func Wire(app app.App) http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.RealIP, middleware.Logger, middleware.Recoverer)

	root.Mount("/api", apiRouter(app))

	return root
}

func apiRouter(app app.App) http.Handler {
	api := chi.NewRouter()

	api.Post("/login", Login(app))
	api.Post("/refresh", Refresh(app))

	api.Group(func(r chi.Router) {
		r.Use(middlewares.Authenticated(app.TokenSecret))

		r.Get("/me", Me(app))
		r.Put("/me/password", ChangeOwnPassword(app))

		r.Get("/governorates", ListGovernorates(app))
		r.Get("/governorates/"+idPattern, GetGovernorate(app))
		r.Get("/regions", ListRegions(app))
		r.Get("/regions/"+idPattern, GetRegion(app))

		r.Get("/surveys", ListSurveys(app))
		r.Get("/surveys/"+idPattern, GetSurvey(app))
		r.Get("/responses/"+idPattern, GetResponse(app))

		r.Group(func(r chi.Router) {
			r.Use(middlewares.Roles(model.RoleAdmin))

			r.Post("/governorates", CreateGovernorate(app))
			r.Put("/governorates/"+idPattern, UpdateGovernorate(app))
			r.Delete("/governorates/"+idPattern, DeleteGovernorate(app))

			r.Post("/regions", CreateRegion(app))
			r.Put("/regions/"+idPattern, UpdateRegion(app))
			r.Delete("/regions/"+idPattern, DeleteRegion(app))

			r.Post("/users", CreateUser(app))
			r.Put("/users/"+idPattern, UpdateUser(app))
			r.Delete("/users/"+idPattern, DeleteUser(app))
			r.Put("/users/"+idPattern+"/governorate", BindGovernorateAdmin(app))
			r.Put("/users/"+idPattern+"/password", ChangePassword(app))

			r.Post("/surveys", CreateSurvey(app))
			r.Put("/surveys/"+idPattern, UpdateSurvey(app))
			r.Delete("/surveys/"+idPattern, DeleteSurvey(app))
			r.Post("/surveys/"+idPattern+"/fields", AddSurveyField(app))
		})

		r.Group(func(r chi.Router) {
			r.Use(middlewares.Roles(model.RoleAdmin, model.RoleGovernorateAdmin))

			r.Get("/users", ListUsers(app))
			r.Get("/users/"+idPattern, GetUser(app))
			r.Put("/users/"+idPattern+"/surveys", SetAllowedSurveys(app))
			r.Put("/users/"+idPattern+"/scope", UpdateEmployeeScope(app))

			r.Put("/surveys/"+idPattern+"/active", SetSurveyActive(app))
			r.Get("/surveys/"+idPattern+"/responses", ListResponses(app))
			r.Get("/surveys/"+idPattern+"/summary", GetSummary(app))
			r.Get("/surveys/"+idPattern+"/export", ExportResponses(app))
			r.Put("/responses/"+idPattern+"/answers", EditAnswers(app))
		})

		r.Group(func(r chi.Router) {
			r.Use(middlewares.Roles(model.RoleEmployee))

			r.Post("/surveys/"+idPattern+"/responses", SubmitResponse(app))
			r.Get("/surveys/"+idPattern+"/completed-today", CompletedToday(app))
			r.Put("/responses/"+idPattern, ContinueResponse(app))
		})
	})

	return api
}
