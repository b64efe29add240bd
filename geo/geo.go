// Package geo resolves where a submission was made. Lookups are best effort:
// any failure or timeout yields no location.
package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mbolis/regional-survey/log"
	"github.com/mbolis/regional-survey/model"
)

type Locator interface {
	Locate(ctx context.Context, ip string) (model.Location, error)
}

// HTTPLocator queries an ip-api style endpoint: GET <base><ip> answering
// {"status": "success", "lat": ..., "lon": ...}.
type HTTPLocator struct {
	base   string
	client *http.Client
}

func NewHTTPLocator(base string, client *http.Client) *HTTPLocator {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &HTTPLocator{base: base, client: client}
}

type lookupResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (l *HTTPLocator) Locate(ctx context.Context, ip string) (model.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+url.PathEscape(ip), nil)
	if err != nil {
		return model.Location{}, err
	}
	req.Header.Set("accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return model.Location{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Location{}, fmt.Errorf("geolocation lookup: %s", resp.Status)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Location{}, fmt.Errorf("geolocation lookup: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return model.Location{}, fmt.Errorf("geolocation lookup: %s %s", body.Status, body.Message)
	}
	return model.Location{Lat: body.Lat, Lon: body.Lon}, nil
}

// Resolver picks the location of a submission: the manual one when given,
// else a lookup bounded by Timeout.
type Resolver struct {
	Locator Locator
	Timeout time.Duration
}

func (r Resolver) Resolve(ctx context.Context, manual *model.Location, ip string) *model.Location {
	if manual != nil {
		loc := *manual
		return &loc
	}
	if r.Locator == nil || ip == "" {
		return nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loc, err := r.Locator.Locate(ctx, ip)
	if err != nil {
		log.WithFields(log.Fields{"ip": ip}).Debugf("geo.locate: %s", err)
		return nil
	}
	return &loc
}
