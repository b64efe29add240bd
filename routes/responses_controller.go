package routes

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/export"
	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/responses"
	"github.com/mbolis/regional-survey/routes/middlewares"
)

type answersBody struct {
	Answers map[int64]string `json:"answers"`
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubmitResponse stores a draft or a completed response for the survey in
// the URL.
func SubmitResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID, ok := idParam(w, r)
		if !ok {
			return
		}
		var sub responses.Submission
		if !decodeBody(w, r, &sub) {
			return
		}
		sub.SurveyID = surveyID
		sub.ResponseID = 0
		sub.ClientIP = clientIP(r)

		resp, err := app.Responses.Submit(r.Context(), middlewares.ActorFrom(r.Context()), sub)
		if err != nil {
			httpx.WriteError(w, r, "submit_response", err)
			return
		}
		created(w, r, resp)
	}
}

// ContinueResponse adds answers to a draft, optionally completing it.
func ContinueResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var sub responses.Submission
		if !decodeBody(w, r, &sub) {
			return
		}
		actor := middlewares.ActorFrom(r.Context())
		if sub.SurveyID == 0 {
			current, err := app.Responses.GetResponse(r.Context(), actor, id)
			if err != nil {
				httpx.WriteError(w, r, "continue_response.get", err)
				return
			}
			sub.SurveyID = current.SurveyID
		}
		sub.ResponseID = id
		sub.ClientIP = clientIP(r)

		resp, err := app.Responses.Submit(r.Context(), actor, sub)
		if err != nil {
			httpx.WriteError(w, r, "continue_response", err)
			return
		}
		render.JSON(w, r, resp)
	}
}

func CompletedToday(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID, ok := idParam(w, r)
		if !ok {
			return
		}
		actor := middlewares.ActorFrom(r.Context())
		done, err := app.Responses.HasCompletedSurveyToday(r.Context(), actor.UserID, surveyID)
		if err != nil {
			httpx.WriteError(w, r, "completed_today", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"completed": done,
		})
	}
}

func GetResponse(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		resp, err := app.Responses.GetResponse(r.Context(), middlewares.ActorFrom(r.Context()), id)
		if err != nil {
			httpx.WriteError(w, r, "get_response", err)
			return
		}
		render.JSON(w, r, resp)
	}
}

// ListResponses accepts an optional ?completed=true|false filter.
func ListResponses(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID, ok := idParam(w, r)
		if !ok {
			return
		}
		filter := responses.ResponseFilter{SurveyID: surveyID}
		if v := r.URL.Query().Get("completed"); v != "" {
			completed, err := strconv.ParseBool(v)
			if err != nil {
				httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel, "request.get_query_param", "bad completed: %q", v)
				return
			}
			filter.Completed = &completed
		}

		rs, err := app.Responses.ListResponses(r.Context(), middlewares.ActorFrom(r.Context()), filter)
		if err != nil {
			httpx.WriteError(w, r, "list_responses", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"responses": rs,
		})
	}
}

func GetSummary(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID, ok := idParam(w, r)
		if !ok {
			return
		}
		sum, err := app.Responses.Summary(r.Context(), middlewares.ActorFrom(r.Context()), surveyID)
		if err != nil {
			httpx.WriteError(w, r, "get_summary", err)
			return
		}
		render.JSON(w, r, sum)
	}
}

func EditAnswers(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body answersBody
		if !decodeBody(w, r, &body) {
			return
		}
		resp, err := app.Responses.EditAnswers(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Answers)
		if err != nil {
			httpx.WriteError(w, r, "edit_answers", err)
			return
		}
		render.JSON(w, r, resp)
	}
}

// ExportResponses streams the responses of a survey as an .xlsx workbook.
func ExportResponses(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		surveyID, ok := idParam(w, r)
		if !ok {
			return
		}
		sheets, err := app.Responses.ExportSurvey(r.Context(), middlewares.ActorFrom(r.Context()), surveyID)
		if err != nil {
			httpx.WriteError(w, r, "export_responses", err)
			return
		}

		w.Header().Set("content-type", export.ContentType)
		w.Header().Set("content-disposition", fmt.Sprintf(`attachment; filename="survey-%d.xlsx"`, surveyID))
		if err := export.Write(w, sheets); err != nil {
			log.Errorf("export_responses.write: %+v", err)
		}
	}
}
