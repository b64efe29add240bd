package routes

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/routes/middlewares"
	"github.com/mbolis/regional-survey/surveys"
)

type activeBody struct {
	Active bool `json:"active"`
}

func CreateSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body surveys.NewSurvey
		if !decodeBody(w, r, &body) {
			return
		}
		s, err := app.Surveys.CreateSurvey(r.Context(), middlewares.ActorFrom(r.Context()), body)
		if err != nil {
			httpx.WriteError(w, r, "create_survey", err)
			return
		}
		created(w, r, s)
	}
}

func ListSurveys(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ss, err := app.Surveys.ListSurveys(r.Context(), middlewares.ActorFrom(r.Context()))
		if err != nil {
			httpx.WriteError(w, r, "list_surveys", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"surveys": ss,
		})
	}
}

func GetSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		s, err := app.Surveys.GetSurvey(r.Context(), middlewares.ActorFrom(r.Context()), id)
		if err != nil {
			httpx.WriteError(w, r, "get_survey", err)
			return
		}
		render.JSON(w, r, s)
	}
}

func UpdateSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body surveys.SurveyUpdate
		if !decodeBody(w, r, &body) {
			return
		}
		s, err := app.Surveys.UpdateSurvey(r.Context(), middlewares.ActorFrom(r.Context()), id, body)
		if err != nil {
			httpx.WriteError(w, r, "update_survey", err)
			return
		}
		render.JSON(w, r, s)
	}
}

func SetSurveyActive(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body activeBody
		if !decodeBody(w, r, &body) {
			return
		}
		s, err := app.Surveys.SetSurveyActive(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Active)
		if err != nil {
			httpx.WriteError(w, r, "set_survey_active", err)
			return
		}
		render.JSON(w, r, s)
	}
}

func DeleteSurvey(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if err := app.Surveys.DeleteSurvey(r.Context(), middlewares.ActorFrom(r.Context()), id); err != nil {
			httpx.WriteError(w, r, "delete_survey", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AddSurveyField appends one field typed in the editor, options given one
// per line.
func AddSurveyField(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body surveys.NewField
		if !decodeBody(w, r, &body) {
			return
		}
		s, err := app.Surveys.AddField(r.Context(), middlewares.ActorFrom(r.Context()), id, body)
		if err != nil {
			httpx.WriteError(w, r, "add_survey_field", err)
			return
		}
		render.JSON(w, r, s)
	}
}
