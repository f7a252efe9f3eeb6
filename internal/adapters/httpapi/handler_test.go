package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/adapters/httpapi"
	"soundspeed/internal/climatology"
	"soundspeed/internal/core"
	"soundspeed/internal/observability"
	"soundspeed/pkg/domain"
)

var castTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ssvlog(id string, lat, lon float64, speed float64) []byte {
	var b strings.Builder
	b.WriteString("# SSVLOG v1\n# vessel=RV Tern\n")
	if id != "" {
		fmt.Fprintf(&b, "# id=%s\n", id)
	}
	b.WriteString("time,lat,lon,depth,speed\n")
	for i, d := range []float64{5, 10, 20, 40, 80} {
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.1f,%.2f\n", castTime.Add(time.Duration(i)*time.Second).Format(time.RFC3339), lat, lon, d, speed)
	}
	return []byte(b.String())
}

type fixture struct {
	svc     *core.Service
	handler *httpapi.Handler
	reg     *prometheus.Registry
}

func setup(t *testing.T, opts ...core.Option) fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec, err := observability.NewPrometheusRecorder(reg)
	require.NoError(t, err)
	svc, err := core.NewInMemoryService(append(opts, core.WithMetricsRecorder(rec))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return fixture{svc: svc, handler: httpapi.NewHandler(svc, httpapi.WithGatherer(reg)), reg: reg}
}

func (f fixture) do(t *testing.T, method, url string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func decodeBody[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), resp.Body.String())
	return out
}

type profileResponse struct {
	Profile domain.Profile `json:"profile"`
	Created bool           `json:"created"`
}

type errorBody struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons"`
}

func TestIngestAndGet(t *testing.T) {
	f := setup(t)
	raw := ssvlog("hull-1", 43.2, -70.6, 1495)

	resp := f.do(t, http.MethodPost, "/api/v1/profiles?name=hull.ssvlog", raw)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decodeBody[profileResponse](t, resp)
	assert.True(t, created.Created)
	assert.Equal(t, "hull-1", created.Profile.ID)
	assert.Equal(t, domain.StatusPassed, created.Profile.Status)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles?name=hull.ssvlog", raw)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decodeBody[profileResponse](t, resp).Created)

	resp = f.do(t, http.MethodGet, "/api/v1/profiles/hull-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	got := decodeBody[profileResponse](t, resp)
	assert.Equal(t, created.Profile.Revision, got.Profile.Revision)

	resp = f.do(t, http.MethodGet, "/api/v1/profiles/hull-1/raw", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, raw, resp.Body.Bytes())
	assert.Equal(t, got.Profile.Raw.Checksum, resp.Header().Get("X-Checksum-Sha256"))
}

func TestIngestErrors(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/api/v1/profiles", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles?format=cvn", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, decodeBody[errorBody](t, resp).Error, `did you mean "cnv"`)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles?name=junk.bin", []byte("not a profile at all"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, decodeBody[errorBody](t, resp).Error, "junk.bin")

	resp = f.do(t, http.MethodGet, "/api/v1/profiles/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestQueryFilters(t *testing.T) {
	f := setup(t)
	for i, lat := range []float64{43.2, 10.0} {
		resp := f.do(t, http.MethodPost, "/api/v1/profiles", ssvlog(fmt.Sprintf("q-%d", i), lat, -70.6, 1495))
		require.Equal(t, http.StatusCreated, resp.Code)
	}
	type listing struct {
		Profiles []domain.Profile `json:"profiles"`
		Count    int              `json:"count"`
	}

	resp := f.do(t, http.MethodGet, "/api/v1/profiles?min_lat=40&max_lat=50&min_lon=-80&max_lon=-60", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	got := decodeBody[listing](t, resp)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "q-0", got.Profiles[0].ID)

	resp = f.do(t, http.MethodGet, "/api/v1/profiles?status=retired", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Zero(t, decodeBody[listing](t, resp).Count)

	for _, bad := range []string{"min_lat=north", "from=yesterday", "source=sonar", "status=lost"} {
		resp = f.do(t, http.MethodGet, "/api/v1/profiles?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code, bad)
	}
}

func TestSelectAndCorrect(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/profiles", ssvlog("near", 43.2, -70.6, 1500)).Code)

	criteria := map[string]any{"lat": 43.201, "lon": -70.601, "time": castTime.Add(time.Hour).Format(time.RFC3339)}
	body, _ := json.Marshal(criteria)
	resp := f.do(t, http.MethodPost, "/api/v1/select", body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	sel := decodeBody[struct {
		Empty      bool `json:"selection_empty"`
		Candidates []struct {
			ID        string  `json:"id"`
			DistanceM float64 `json:"distance_m"`
		} `json:"candidates"`
	}](t, resp)
	require.False(t, sel.Empty)
	require.Len(t, sel.Candidates, 1)
	assert.Equal(t, "near", sel.Candidates[0].ID)
	assert.Less(t, sel.Candidates[0].DistanceM, 200.0)

	body, _ = json.Marshal(map[string]any{
		"criteria": criteria,
		"geometry": map[string]any{"depth_grid": []float64{10, 50}},
	})
	resp = f.do(t, http.MethodPost, "/api/v1/corrections", body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	out := decodeBody[struct {
		Correction domain.Correction `json:"correction"`
		Fallback   string            `json:"fallback"`
	}](t, resp)
	assert.Equal(t, "near", out.Correction.ProfileID)
	assert.Equal(t, domain.ConfidenceNormal, out.Correction.Confidence)
	assert.Len(t, out.Correction.Depths, 2)
	assert.Empty(t, out.Fallback)

	resp = f.do(t, http.MethodPost, "/api/v1/corrections?target=hypack", body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.True(t, strings.HasPrefix(resp.Body.String(), "FTP NEW 2"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "near.vel")

	resp = f.do(t, http.MethodPost, "/api/v1/corrections?target=svg", body)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCorrectFallsBackToClimatology(t *testing.T) {
	f := setup(t, core.WithClimatology(climatology.New()))
	body, _ := json.Marshal(map[string]any{
		"criteria": map[string]any{"lat": -30, "lon": 10, "time": castTime.Format(time.RFC3339)},
		"geometry": map[string]any{"beams": []map[string]float64{{"angle_deg": 0, "two_way_time": 0.2}}},
	})
	resp := f.do(t, http.MethodPost, "/api/v1/corrections", body)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	out := decodeBody[struct {
		Correction domain.Correction `json:"correction"`
		Fallback   string            `json:"fallback"`
		Empty      bool              `json:"selection_empty"`
	}](t, resp)
	assert.Equal(t, string(core.FallbackClimatology), out.Fallback)
	assert.True(t, out.Empty)
	assert.Equal(t, domain.ConfidenceLow, out.Correction.Confidence)
	assert.True(t, out.Correction.Synthetic)
}

func TestCorrectRequestValidation(t *testing.T) {
	f := setup(t)
	for name, payload := range map[string]string{
		"no target":   `{"geometry":{"depth_grid":[10]}}`,
		"bad time":    `{"criteria":{"lat":1,"lon":1,"time":"noon"},"geometry":{"depth_grid":[10]}}`,
		"bad payload": `{"criteria":`,
	} {
		resp := f.do(t, http.MethodPost, "/api/v1/corrections", []byte(payload))
		assert.Equal(t, http.StatusBadRequest, resp.Code, name)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/corrections", []byte(`{"profile_id":"ghost","geometry":{"depth_grid":[10]}}`))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRequalifyAndRetire(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/profiles", ssvlog("rq", 43.2, -70.6, 1495)).Code)

	resp := f.do(t, http.MethodPost, "/api/v1/profiles/rq/requalify", []byte(`{"thresholds":{"min_speed":1500,"max_speed":1600,"spike_threshold":2,"min_samples":3,"min_usable_depth":5}}`))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	change := decodeBody[struct {
		Change domain.StatusChange `json:"change"`
	}](t, resp).Change
	assert.Equal(t, domain.StatusPassed, change.Previous)
	assert.Equal(t, domain.StatusFailed, change.Current)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles/rq/requalify", []byte(`{"thresholds":{"min_speed":1600,"max_speed":1400,"spike_threshold":2,"min_samples":3}}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles/rq/requalify", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles/rq/retire", []byte(`{"reason":"superseded"}`))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/profiles/rq/retire", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestJobs(t *testing.T) {
	f := setup(t)
	body, _ := json.Marshal(map[string]any{"files": []map[string]any{
		{"name": "a.ssvlog", "data": ssvlog("job-a", 43.2, -70.6, 1495)},
		{"name": "b.bin", "data": []byte("garbage")},
	}})
	resp := f.do(t, http.MethodPost, "/api/v1/jobs/ingest", body)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	job := decodeBody[struct {
		Job batch.JobRecord `json:"job"`
	}](t, resp).Job
	assert.Equal(t, "/api/v1/jobs/"+job.ID, resp.Header().Get("Location"))

	require.Eventually(t, func() bool {
		rec, ok := f.svc.Worker().Snapshot(job.ID)
		return ok && rec.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	final := decodeBody[struct {
		Job batch.JobRecord `json:"job"`
	}](t, resp).Job
	assert.Equal(t, batch.JobStatusPartial, final.Status)
	assert.Equal(t, 1, final.Done)
	assert.Equal(t, 1, final.Failed)

	resp = f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decodeBody[struct {
		Jobs []batch.JobRecord `json:"jobs"`
	}](t, resp).Jobs, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/jobs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/jobs/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/jobs/ingest", []byte(`{"files":[]}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/jobs/correct", []byte(`{"requests":[{"geometry":{}}]}`)).Code)
}

func TestCorrectJob(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/profiles", ssvlog("cj", 43.2, -70.6, 1495)).Code)
	body := []byte(`{"requests":[{"profile_id":"cj","geometry":{"depth_grid":[20]}},{"profile_id":"ghost","geometry":{"depth_grid":[20]}}]}`)
	resp := f.do(t, http.MethodPost, "/api/v1/jobs/correct", body)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	id := decodeBody[struct {
		Job batch.JobRecord `json:"job"`
	}](t, resp).Job.ID

	require.Eventually(t, func() bool {
		rec, ok := f.svc.Worker().Snapshot(id)
		return ok && rec.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	rec, _ := f.svc.Worker().Snapshot(id)
	assert.Equal(t, 1, rec.Done)
	assert.Equal(t, 1, rec.Failed)
}

func TestHealthTargetsAndMetrics(t *testing.T) {
	f := setup(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, resp)["status"])

	resp = f.do(t, http.MethodGet, "/api/v1/exports/targets", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"extension":"svp"`)

	f.do(t, http.MethodGet, "/api/v1/profiles/missing", nil)
	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `soundspeed_operations_total{operation="get",status="error"} 1`)
}
