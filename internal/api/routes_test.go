package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skyrange/server/internal/cache"
	"github.com/skyrange/server/internal/healpix"
	"github.com/skyrange/server/internal/render"
	"github.com/skyrange/server/internal/service"
	"github.com/skyrange/server/internal/store"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	store  store.Store
	cache  *cache.Manager
	jobs   *JobManager
}

// setupTestServer wires a SQLite-backed service, job manager and router.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), store.Options{Driver: store.DriverSQLite, SQLitePath: filepath.Join(dir, "sky.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 4,
		ImageTTL:         time.Minute,
		RegionCacheSize:  8,
		QueryCacheSize:   100,
		QueryTTL:         time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	svc, err := service.NewSkyService(service.Config{
		Store:    st,
		Cache:    cacheManager,
		Renderer: render.NewSkymapRenderer(render.Config{Width: 64, Height: 32, DefaultColormap: "viridis"}),
		MaxDepth: 6,
	})
	if err != nil {
		t.Fatalf("Failed to initialize service: %v", err)
	}

	jobs, err := NewJobManager(JobManagerConfig{MaxConcurrent: 1, SQLitePath: filepath.Join(dir, "jobs.db")}, nil)
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jobs.Executor = svc.RunQuery
	jobs.Start()

	router := NewRouter(RouterConfig{
		Service:     svc,
		JobManager:  jobs,
		CORSOrigins: []string{"http://localhost:3000"},
		Title:       "test",
	})

	ts := &testServer{server: httptest.NewServer(router), store: st, cache: cacheManager, jobs: jobs}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jobs.Stop()
	ts.cache.Close()
	ts.store.Close()
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	return ts.do(t, http.MethodGet, path, "", "")
}

func (ts *testServer) postJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	return ts.do(t, http.MethodPost, path, "application/json", body)
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if !bytes.HasPrefix(body, pngMagic) {
		t.Errorf("Response is not a PNG (%d bytes)", len(body))
	}
}

func decode(t *testing.T, body []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON response %q: %v", body, err)
	}
}

type rankedResponse struct {
	Results []struct {
		ID    json.RawMessage `json:"id"`
		Score float64         `json:"score"`
	} `json:"results"`
}

// loadFixture creates a sky map with all probability in the base pixel
// around (0, 0) plus one MaxOrder tile near (300, -40), a cone telescope and three galaxies. It returns the sky map id and the
// centre of the MaxOrder tile.
func loadFixture(t *testing.T, ts *testServer) (id int64, lon, lat float64) {
	t.Helper()

	base, err := healpix.AngToPix(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	pix, err := healpix.AngToPix(healpix.MaxOrder, 300, -40)
	if err != nil {
		t.Fatal(err)
	}
	deep, err := healpix.Pack(healpix.MaxOrder, pix)
	if err != nil {
		t.Fatal(err)
	}
	lon, lat, err = healpix.PixToAng(healpix.MaxOrder, pix)
	if err != nil {
		t.Fatal(err)
	}

	body := fmt.Sprintf(`{"name": "S170817a", "tiles": [[%d, %v], [%d, 7.5]]}`, base+4, 3/math.Pi, deep)
	resp, data := ts.postJSON(t, "/api/skymaps", body)
	assertStatusCode(t, resp, http.StatusCreated)
	var sm struct {
		ID        int64 `json:"id"`
		TileCount int   `json:"tile_count"`
	}
	decode(t, data, &sm)
	if sm.TileCount != 2 {
		t.Fatalf("expected 2 tiles, got %d", sm.TileCount)
	}

	resp, _ = ts.postJSON(t, "/api/telescopes", `{
		"name": "DECam",
		"footprint": {"shape": "cone", "radius": 3},
		"fields": [{"id": 10, "ra": 0, "dec": 0}, {"id": 20, "ra": 180, "dec": 0}]
	}`)
	assertStatusCode(t, resp, http.StatusCreated)

	resp, _ = ts.postJSON(t, "/api/galaxies", `[
		{"name": "NGC 4993", "ra": 0.2, "dec": 0.1},
		{"name": "M31", "ra": 180, "dec": 0.5},
		{"name": "M87", "ra": 1, "dec": -1}
	]`)
	assertStatusCode(t, resp, http.StatusOK)
	return sm.ID, lon, lat
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}

	resp, body = ts.get(t, "/metrics")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics output lacks the runtime collectors")
	}
}

func TestSkymapEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	id, lon, lat := loadFixture(t, ts)

	resp, body := ts.get(t, "/api/skymaps")
	assertStatusCode(t, resp, http.StatusOK)
	var list struct {
		Skymaps []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"skymaps"`
	}
	decode(t, body, &list)
	if len(list.Skymaps) != 1 || list.Skymaps[0].Name != "S170817a" {
		t.Fatalf("unexpected sky map list: %s", body)
	}

	// the MaxOrder tile survives JSON without losing precision
	resp, body = ts.get(t, fmt.Sprintf("/api/skymaps/%d/density?lon=%v&lat=%v", id, lon, lat))
	assertStatusCode(t, resp, http.StatusOK)
	var d service.Density
	decode(t, body, &d)
	if !d.Inside || d.Density != 7.5 {
		t.Fatalf("expected density 7.5 at the deep tile, got %+v", d)
	}

	resp, _ = ts.get(t, fmt.Sprintf("/api/skymaps/%d/density?lon=90", id))
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.get(t, fmt.Sprintf("/api/skymaps/%d/image.png?scale=log", id))
	assertStatusCode(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %q", ct)
	}
	assertPNG(t, body)

	resp, body = ts.get(t, fmt.Sprintf("/api/skymaps/%d/image.png?telescope=DECam&n=1&width=90&height=45", id))
	assertStatusCode(t, resp, http.StatusOK)
	assertPNG(t, body)

	resp, _ = ts.get(t, fmt.Sprintf("/api/skymaps/%d/image.png?scale=cubic", id))
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, _ = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/skymaps/%d", id), "", "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.get(t, fmt.Sprintf("/api/skymaps/%d", id))
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestQueryEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	id, _, _ := loadFixture(t, ts)

	resp, body := ts.get(t, fmt.Sprintf("/api/skymaps/%d/fields?telescope=DECam", id))
	assertStatusCode(t, resp, http.StatusOK)
	var fields rankedResponse
	decode(t, body, &fields)
	if len(fields.Results) != 1 || string(fields.Results[0].ID) != "10" {
		t.Fatalf("expected only field 10, got %s", body)
	}
	if fields.Results[0].Score <= 0 {
		t.Fatalf("expected positive probability, got %v", fields.Results[0].Score)
	}

	resp, body = ts.get(t, fmt.Sprintf("/api/skymaps/%d/galaxies?n=1", id))
	assertStatusCode(t, resp, http.StatusOK)
	var gals rankedResponse
	decode(t, body, &gals)
	if len(gals.Results) != 1 || string(gals.Results[0].ID) != `"M87"` {
		t.Fatalf("expected M87 first on the name tie-break, got %s", body)
	}

	resp, body = ts.get(t, "/api/telescopes/DECam/galaxy-counts")
	assertStatusCode(t, resp, http.StatusOK)
	var counts rankedResponse
	decode(t, body, &counts)
	if len(counts.Results) != 2 || string(counts.Results[0].ID) != "10" || counts.Results[0].Score != 2 {
		t.Fatalf("unexpected galaxy counts %s", body)
	}

	resp, body = ts.get(t, "/api/galaxies/count")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"count":3`) {
		t.Errorf("unexpected galaxy count %s", body)
	}
}

func TestErrorStatuses(t *testing.T) {
	ts := setupTestServer(t)
	loadFixture(t, ts)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown sky map", http.MethodGet, "/api/skymaps/999", "", http.StatusNotFound},
		{"bad sky map id", http.MethodGet, "/api/skymaps/abc", "", http.StatusBadRequest},
		{"missing telescope param", http.MethodGet, "/api/skymaps/1/fields", "", http.StatusBadRequest},
		{"bad n", http.MethodGet, "/api/skymaps/1/galaxies?n=ten", "", http.StatusBadRequest},
		{"unknown telescope", http.MethodGet, "/api/telescopes/ZTF", "", http.StatusNotFound},
		{"duplicate telescope", http.MethodPost, "/api/telescopes", `{"name":"DECam","footprint":{"shape":"cone","radius":1},"fields":[]}`, http.StatusConflict},
		{"bad footprint", http.MethodPost, "/api/telescopes", `{"name":"X","footprint":{"shape":"star"}}`, http.StatusBadRequest},
		{"negative density", http.MethodPost, "/api/skymaps", `{"name":"bad","tiles":[[4,-1]]}`, http.StatusBadRequest},
		{"overlapping tiles", http.MethodPost, "/api/skymaps", `{"name":"bad","tiles":[[4,1],[16,1]]}`, http.StatusBadRequest},
		{"invalid packed index", http.MethodPost, "/api/skymaps", `{"name":"bad","tiles":[[3,1]]}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/api/galaxies", `{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, tc.method, tc.path, "application/json", tc.body)
			if resp.StatusCode != tc.status {
				t.Errorf("Expected status code %d, got %d: %s", tc.status, resp.StatusCode, body)
			}
		})
	}
}

func TestCSVUploads(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/skymaps?name=csv", "text/csv", "UNIQ,PROBDENSITY\n4,0.1\n5,0.2\n")
	assertStatusCode(t, resp, http.StatusCreated)
	if !strings.Contains(string(body), `"tile_count":2`) {
		t.Errorf("unexpected response %s", body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/galaxies", "text/csv", "name,ra,dec\nA,1,2\nB,3,4\n")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"loaded":2`) {
		t.Errorf("unexpected response %s", body)
	}
}

func TestJobEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	id, _, _ := loadFixture(t, ts)

	resp, body := ts.postJSON(t, "/api/jobs", fmt.Sprintf(`{"kind":"top_galaxies","skymap_id":%d,"n":2}`, id))
	assertStatusCode(t, resp, http.StatusAccepted)
	var job struct {
		ID     string `json:"job_id"`
		Status string `json:"status"`
	}
	decode(t, body, &job)

	deadline := time.Now().Add(5 * time.Second)
	for job.Status != "completed" {
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last status %q", job.Status)
		}
		time.Sleep(20 * time.Millisecond)
		resp, body = ts.get(t, "/api/jobs/"+job.ID)
		assertStatusCode(t, resp, http.StatusOK)
		decode(t, body, &job)
		if job.Status == "failed" || job.Status == "cancelled" {
			t.Fatalf("job ended %s: %s", job.Status, body)
		}
	}

	resp, body = ts.get(t, "/api/jobs/"+job.ID+"/result")
	assertStatusCode(t, resp, http.StatusOK)
	var result struct {
		Results []struct {
			Rank int    `json:"rank"`
			ID   string `json:"id"`
		} `json:"results"`
	}
	decode(t, body, &result)
	if len(result.Results) != 2 || result.Results[0].ID != "M87" || result.Results[1].ID != "NGC 4993" {
		t.Fatalf("unexpected job result %s", body)
	}

	resp, body = ts.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "", "")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"cancelled":false`) {
		t.Errorf("finished job should not be cancellable: %s", body)
	}

	resp, _ = ts.postJSON(t, "/api/jobs", `{"kind":"top_fields","skymap_id":1}`)
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.get(t, "/api/jobs/nope")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestResetEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	loadFixture(t, ts)

	resp, _ := ts.postJSON(t, "/api/admin/reset", "")
	assertStatusCode(t, resp, http.StatusOK)

	resp, body := ts.get(t, "/api/telescopes")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), `"telescopes":[]`) {
		t.Errorf("expected no telescopes after reset, got %s", body)
	}
}
