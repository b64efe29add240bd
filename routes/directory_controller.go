package routes

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/mbolis/regional-survey/app"
	"github.com/mbolis/regional-survey/httpx"
	"github.com/mbolis/regional-survey/routes/middlewares"
)

type governorateBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type regionBody struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	GovernorateID int64  `json:"governorate_id"`
}

func CreateGovernorate(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body governorateBody
		if !decodeBody(w, r, &body) {
			return
		}
		g, err := app.Directory.CreateGovernorate(r.Context(), middlewares.ActorFrom(r.Context()), body.Name, body.Description)
		if err != nil {
			httpx.WriteError(w, r, "create_governorate", err)
			return
		}
		created(w, r, g)
	}
}

func UpdateGovernorate(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body governorateBody
		if !decodeBody(w, r, &body) {
			return
		}
		g, err := app.Directory.UpdateGovernorate(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Name, body.Description)
		if err != nil {
			httpx.WriteError(w, r, "update_governorate", err)
			return
		}
		render.JSON(w, r, g)
	}
}

func DeleteGovernorate(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if err := app.Directory.DeleteGovernorate(r.Context(), middlewares.ActorFrom(r.Context()), id); err != nil {
			httpx.WriteError(w, r, "delete_governorate", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetGovernorate(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		g, err := app.Directory.GetGovernorate(r.Context(), middlewares.ActorFrom(r.Context()), id)
		if err != nil {
			httpx.WriteError(w, r, "get_governorate", err)
			return
		}
		render.JSON(w, r, g)
	}
}

func ListGovernorates(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gs, err := app.Directory.ListGovernorates(r.Context(), middlewares.ActorFrom(r.Context()))
		if err != nil {
			httpx.WriteError(w, r, "list_governorates", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"governorates": gs,
		})
	}
}

func CreateRegion(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body regionBody
		if !decodeBody(w, r, &body) {
			return
		}
		rg, err := app.Directory.CreateRegion(r.Context(), middlewares.ActorFrom(r.Context()), body.Name, body.Description, body.GovernorateID)
		if err != nil {
			httpx.WriteError(w, r, "create_region", err)
			return
		}
		created(w, r, rg)
	}
}

func UpdateRegion(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var body regionBody
		if !decodeBody(w, r, &body) {
			return
		}
		rg, err := app.Directory.UpdateRegion(r.Context(), middlewares.ActorFrom(r.Context()), id, body.Name, body.Description, body.GovernorateID)
		if err != nil {
			httpx.WriteError(w, r, "update_region", err)
			return
		}
		render.JSON(w, r, rg)
	}
}

func DeleteRegion(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if err := app.Directory.DeleteRegion(r.Context(), middlewares.ActorFrom(r.Context()), id); err != nil {
			httpx.WriteError(w, r, "delete_region", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetRegion(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		rg, err := app.Directory.GetRegion(r.Context(), middlewares.ActorFrom(r.Context()), id)
		if err != nil {
			httpx.WriteError(w, r, "get_region", err)
			return
		}
		render.JSON(w, r, rg)
	}
}

// ListRegions accepts an optional ?governorate_id filter.
func ListRegions(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		governorateID, ok := int64Query(w, r, "governorate_id")
		if !ok {
			return
		}
		rs, err := app.Directory.ListRegions(r.Context(), middlewares.ActorFrom(r.Context()), governorateID)
		if err != nil {
			httpx.WriteError(w, r, "list_regions", err)
			return
		}
		render.JSON(w, r, map[string]any{
			"regions": rs,
		})
	}
}
