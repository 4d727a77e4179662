// Package catalog browses the external anime catalog (Jikan v4) and merges
// its numbered pages into one de-duplicated, ordered list.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/animeboard/internal/model"
)

// DefaultBaseURL is the public Jikan v4 endpoint.
const DefaultBaseURL = "https://api.jikan.moe/v4"

// Fetcher retrieves catalog records.
type Fetcher interface {
	TopPage(ctx context.Context, page int) (model.CatalogPage, error)
	Detail(ctx context.Context, id int) (model.AnimeDetail, error)
	CurrentSeason(ctx context.Context) (model.CatalogPage, error)
}

// StatusError is a non-2xx catalog response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog %s: status %d", e.URL, e.Code)
}

// Client is a Fetcher over HTTP.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each request; zero disables the bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a Client; an empty base uses DefaultBaseURL.
func NewClient(base string, opts ...ClientOption) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{base: base, http: http.DefaultClient, timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TopPage fetches GET /top/anime?page=N.
func (c *Client) TopPage(ctx context.Context, page int) (model.CatalogPage, error) {
	if page < 1 {
		return model.CatalogPage{}, model.Invalidf("page %d (want >= 1)", page)
	}
	q := url.Values{"page": {strconv.Itoa(page)}}
	var body listResponse
	if err := c.get(ctx, "/top/anime?"+q.Encode(), &body); err != nil {
		return model.CatalogPage{}, err
	}
	return body.page(page), nil
}

// CurrentSeason fetches GET /seasons/now.
func (c *Client) CurrentSeason(ctx context.Context) (model.CatalogPage, error) {
	var body listResponse
	if err := c.get(ctx, "/seasons/now", &body); err != nil {
		return model.CatalogPage{}, err
	}
	return body.page(1), nil
}

// Detail fetches GET /anime/{id}/full. A 404 maps to model.ErrNotFound.
func (c *Client) Detail(ctx context.Context, id int) (model.AnimeDetail, error) {
	var body struct {
		Data jikanAnime `json:"data"`
	}
	err := c.get(ctx, "/anime/"+strconv.Itoa(id)+"/full", &body)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return model.AnimeDetail{}, model.NotFoundf("anime %d", id)
	}
	if err != nil {
		return model.AnimeDetail{}, err
	}
	return body.Data.detail(), nil
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, URL: u}
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

// Wire shapes. Every optional upstream field is a pointer or omittable.

type listResponse struct {
	Pagination struct {
		LastVisiblePage int  `json:"last_visible_page"`
		HasNextPage     bool `json:"has_next_page"`
		CurrentPage     int  `json:"current_page"`
	} `json:"pagination"`
	Data []jikanAnime `json:"data"`
}

func (r listResponse) page(requested int) model.CatalogPage {
	n := r.Pagination.CurrentPage
	if n == 0 {
		n = requested
	}
	items := make([]model.AnimeSummary, 0, len(r.Data))
	for _, a := range r.Data {
		items = append(items, a.summary())
	}
	return model.CatalogPage{
		Number:          n,
		Items:           items,
		HasNextPage:     r.Pagination.HasNextPage,
		LastVisiblePage: r.Pagination.LastVisiblePage,
	}
}

type named struct {
	Name string `json:"name"`
}

type jikanAnime struct {
	MalID    int      `json:"mal_id"`
	Title    string   `json:"title"`
	Synopsis string   `json:"synopsis"`
	Score    *float64 `json:"score"`
	Episodes *int     `json:"episodes"`
	Status   string   `json:"status"`
	Aired    struct {
		String string `json:"string"`
	} `json:"aired"`
	Genres []named `json:"genres"`
	Images struct {
		JPG struct {
			ImageURL      string `json:"image_url"`
			LargeImageURL string `json:"large_image_url"`
		} `json:"jpg"`
	} `json:"images"`

	Background string  `json:"background"`
	Duration   string  `json:"duration"`
	Source     string  `json:"source"`
	Studios    []named `json:"studios"`
}

func (a jikanAnime) summary() model.AnimeSummary {
	img := a.Images.JPG.LargeImageURL
	if img == "" {
		img = a.Images.JPG.ImageURL
	}
	return model.AnimeSummary{
		ID:       a.MalID,
		Title:    a.Title,
		Synopsis: a.Synopsis,
		Rating:   a.Score,
		Episodes: a.Episodes,
		Status:   a.Status,
		Aired:    a.Aired.String,
		Genres:   names(a.Genres),
		ImageURL: img,
	}
}

func (a jikanAnime) detail() model.AnimeDetail {
	return model.AnimeDetail{
		AnimeSummary: a.summary(),
		Background:   a.Background,
		Duration:     a.Duration,
		Source:       a.Source,
		Studios:      names(a.Studios),
	}
}

func names(in []named) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, n.Name)
	}
	return out
}
