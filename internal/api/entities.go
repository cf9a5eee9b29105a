package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

type entityRequest struct {
	ID         string           `json:"id,omitempty"`
	Year       int              `json:"year,omitempty"`
	Make       string           `json:"make,omitempty"`
	Model      string           `json:"model,omitempty"`
	VIN        string           `json:"vin,omitempty"`
	Title      string           `json:"title,omitempty"`
	Region     string           `json:"region,omitempty"`
	OwnerID    string           `json:"owner_id,omitempty"`
	Visibility model.Visibility `json:"visibility,omitempty"`
	SalePrice  *float64         `json:"sale_price,omitempty"`
	SaleStatus string           `json:"sale_status,omitempty"`
}

type entityResponse struct {
	Entity  *model.Entity `json:"entity"`
	Created bool          `json:"created"`
}

// registerEntity answers 201 for a new entity and 200 when the id was
// already registered.
func (h *handler) registerEntity(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	e, created, err := h.cfg.Catalog.Register(r.Context(), model.Entity{
		ID: req.ID, Year: req.Year, Make: req.Make, Model: req.Model, VIN: req.VIN,
		Title: req.Title, Region: req.Region, OwnerID: req.OwnerID, Visibility: req.Visibility,
		SalePrice: req.SalePrice, SaleStatus: req.SaleStatus,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entityResponse{Entity: e, Created: created})
}

// getEntity returns the stored row; ?follow=true resolves merges first.
func (h *handler) getEntity(w http.ResponseWriter, r *http.Request) {
	follow, err := boolParam(r, "follow", false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.cfg.Catalog.Get(r.Context(), chi.URLParam(r, "id"), follow)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handler) entityChildren(w http.ResponseWriter, r *http.Request) {
	c, err := h.cfg.Catalog.Children(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) addListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform    string              `json:"platform"`
		URL         string              `json:"url"`
		Status      model.ListingStatus `json:"status,omitempty"`
		AskingPrice *float64            `json:"asking_price,omitempty"`
		CurrentBid  *float64            `json:"current_bid,omitempty"`
		SoldPrice   *float64            `json:"sold_price,omitempty"`
		EndsAt      *time.Time          `json:"ends_at,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := h.cfg.Catalog.AddListing(r.Context(), model.Listing{
		EntityID: chi.URLParam(r, "id"), Platform: req.Platform, URL: req.URL, Status: req.Status,
		AskingPrice: req.AskingPrice, CurrentBid: req.CurrentBid, SoldPrice: req.SoldPrice, EndsAt: req.EndsAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *handler) addIdentifier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		System string `json:"system"`
		Value  string `json:"value"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	i, err := h.cfg.Catalog.AddIdentifier(r.Context(), model.Identifier{
		EntityID: chi.URLParam(r, "id"), System: req.System, Value: req.Value,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, i)
}

func (h *handler) addMedia(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string     `json:"fingerprint"`
		URL         string     `json:"url,omitempty"`
		CapturedAt  *time.Time `json:"captured_at,omitempty"`
		Lat         *float64   `json:"lat,omitempty"`
		Lon         *float64   `json:"lon,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.cfg.Catalog.AddMedia(r.Context(), model.Media{
		EntityID: chi.URLParam(r, "id"), Fingerprint: req.Fingerprint, URL: req.URL,
		CapturedAt: req.CapturedAt, Lat: req.Lat, Lon: req.Lon,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
