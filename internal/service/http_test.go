package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/avito-library/internal/parser"
	"github.com/Stepan2222000/avito-library/internal/taskqueue"
)

type staticListings struct {
	listings []parser.Listing
}

func (s *staticListings) RecentListings(ctx context.Context, limit int) ([]parser.Listing, error) {
	if limit < len(s.listings) {
		return s.listings[:limit], nil
	}
	return s.listings, nil
}

func testServer(t *testing.T, listings ListingSource) (*httptest.Server, *Manager) {
	t.Helper()
	queue, err := taskqueue.New(3)
	require.NoError(t, err)
	mgr := NewManager(nil, testPool(t, "10.0.0.1:8080"), queue, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", NewHandlers(mgr, listings, slog.Default()).Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestCreateAndGetJob(t *testing.T) {
	srv, _ := testServer(t, nil)

	body := `{"url": "https://www.avito.ru/moskva/avtomobili", "max_pages": 2, "sort": "date"}`
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created CreateJobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, JobQueued, created.Status)

	getResp, err := http.Get(srv.URL + "/api/v1/jobs/" + created.JobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var job Job
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&job))
	assert.Equal(t, "https://www.avito.ru/moskva/avtomobili", job.URL)
}

func TestCreateJobRejectsMissingURL(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetListings(t *testing.T) {
	source := &staticListings{listings: []parser.Listing{
		{ItemID: "1", Title: "Lada Vesta"},
		{ItemID: "2", Title: "Kia Rio"},
	}}
	srv, _ := testServer(t, source)

	resp, err := http.Get(srv.URL + "/api/v1/listings?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listings []parser.Listing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "1", listings[0].ItemID)
}

func TestGetListingsWithoutStorage(t *testing.T) {
	srv, _ := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/v1/listings")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
