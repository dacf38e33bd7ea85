package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/campaign-runner/internal/batch"
	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
	"github.com/ahmethakanbesel/campaign-runner/internal/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/metrics"
	"github.com/ahmethakanbesel/campaign-runner/internal/platform/sqlite"
	jobrepo "github.com/ahmethakanbesel/campaign-runner/internal/repository/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/retry"
	"github.com/ahmethakanbesel/campaign-runner/internal/server"
	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

const landingPage = `<html><body><form method="post">
<input type="hidden" name="_token" value="e2e-token">
<input name="first_name"><input name="last_name"><input name="phone">
</form></body></html>`

// landingServer is a store page that accepts every order and redirects to a
// thank-you page carrying a Facebook pixel.
func landingServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /product", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(landingPage))
	})
	mux.HandleFunc("POST /product", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/thank-you", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /thank-you", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<script>fbq('track', 'Purchase');</script>`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// unavailableAutomation stands in for the browser tier, which the fast path
// never needs against the landing server.
type unavailableAutomation struct{}

func (unavailableAutomation) Submit(context.Context, string, customer.Record) submit.Result {
	return submit.Result{Tier: submit.TierAutomation, Err: submit.ErrSessionUnavailable}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fastOnlyProvider struct {
	fast *submit.FastPath
}

func (p fastOnlyProvider) Open(context.Context) (submit.Strategy, io.Closer, error) {
	return submit.NewTiered(p.fast, unavailableAutomation{}), nopCloser{}, nil
}

func setupE2E(t *testing.T, client *http.Client) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err, "open db")
	t.Cleanup(func() { _ = db.Close() })

	repo := jobrepo.NewRepository(db.DB)

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)

	once := retry.Policy{Name: "e2e", Attempts: 1}
	fast := submit.NewFastPath(
		submit.WithClient(client),
		submit.WithFastPathPolicy(once),
		submit.WithFastPathMetrics(sink),
	)
	runner := batch.NewRunner(repo, fastOnlyProvider{fast: fast},
		batch.WithBatchSize(3),
		batch.WithUnitPolicy(once),
		batch.WithGenerator(customer.NewGenerator(7)),
		batch.WithMetrics(sink),
	)
	dispatcher := job.NewDispatcher(repo, runner, job.WithMetrics(sink))

	// Cleanup runs LIFO: cancel the dispatcher, wait for it, then close the db.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := job.NewService(repo, dispatcher, 100)
	ts := httptest.NewServer(server.NewHandler(svc,
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	))
	t.Cleanup(ts.Close)
	return ts
}

type envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func doJSON[T any](t *testing.T, method, url string, body any) (int, envelope[T]) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal")
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "request")
	defer func() { _ = resp.Body.Close() }()

	var out envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), "decode")
	return resp.StatusCode, out
}

// waitForJob polls the progress endpoint until the job reaches a terminal status.
func waitForJob(t *testing.T, baseURL, id string) job.StatusView {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			require.FailNow(t, "timed out waiting for job "+id)
		default:
		}

		status, res := doJSON[job.StatusView](t, http.MethodGet, fmt.Sprintf("%s/api/v1/jobs/%s/progress", baseURL, id), nil)
		require.Equal(t, http.StatusOK, status, "progress: %s", res.Message)
		if res.Data.Status.Terminal() {
			return res.Data
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestE2E_Health(t *testing.T) {
	ts := setupE2E(t, http.DefaultClient)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestE2E_RandomJobLifecycle(t *testing.T) {
	target := landingServer(t)
	ts := setupE2E(t, target.Client())

	status, created := doJSON[job.Created](t, http.MethodPost, ts.URL+"/api/v1/jobs", map[string]any{
		"targetUrl":  target.URL + "/product",
		"mode":       "random",
		"totalCount": 7,
	})
	require.Equal(t, http.StatusCreated, status, created.Message)
	require.NotEmpty(t, created.Data.ID)

	view := waitForJob(t, ts.URL, created.Data.ID)
	require.Equal(t, job.StatusCompleted, view.Status, "error: %s", view.Error)
	assert.Equal(t, 7, view.ProcessedCount)
	assert.Equal(t, 7, view.SuccessCount)
	assert.Zero(t, view.FailedCount)
	assert.EqualValues(t, 100, view.SuccessRate)

	status, detail := doJSON[job.Job](t, http.MethodGet, ts.URL+"/api/v1/jobs/"+created.Data.ID, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, detail.Data.Results, 7)
	for i, r := range detail.Data.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, job.OutcomeSuccess, r.Status, "result %d: %s", i, r.Error)
		assert.Equal(t, []string{"facebook"}, r.Channels, "result %d", i)
	}

	status, list := doJSON[[]job.Job](t, http.MethodGet, ts.URL+"/api/v1/jobs?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, list.Data, 1)
	assert.Equal(t, created.Data.ID, list.Data[0].ID)
	assert.Nil(t, list.Data[0].Results, "list must not carry per-order results")

	status, cancelled := doJSON[string](t, http.MethodDelete, ts.URL+"/api/v1/jobs/"+created.Data.ID, nil)
	assert.Equal(t, http.StatusConflict, status, "cancelling a finished job: %s", cancelled.Message)

	status, q := doJSON[job.Snapshot](t, http.MethodGet, ts.URL+"/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, job.Snapshot{}, q.Data, "expected an idle queue")
}

func TestE2E_TableUploadAndTabularJob(t *testing.T) {
	target := landingServer(t)
	ts := setupE2E(t, target.Client())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "customers.csv")
	require.NoError(t, err)
	_, _ = io.WriteString(fw, "Name,Phone,City,Price\nAmine Benali,0551234567,Oran,4500\nSara Haddad,0661234567,Alger,\n")
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/v1/tables", mw.FormDataContentType(), &buf)
	require.NoError(t, err, "upload")
	var preview envelope[server.TablePreview]
	err = json.NewDecoder(resp.Body).Decode(&preview)
	_ = resp.Body.Close()
	require.NoError(t, err, "decode")
	require.Equal(t, http.StatusOK, resp.StatusCode, preview.Message)
	require.True(t, preview.Data.AutoAcceptable, "mapping %+v", preview.Data.Mapping)
	require.Len(t, preview.Data.Rows, 2)
	assert.Equal(t, "Excellent", preview.Data.Labels["name"])

	status, created := doJSON[job.Created](t, http.MethodPost, ts.URL+"/api/v1/jobs", map[string]any{
		"targetUrl": target.URL + "/product",
		"mode":      "tabular",
		"customerTable": map[string]any{
			"headers": preview.Data.Headers,
			"rows":    preview.Data.Rows,
		},
		"mapping": preview.Data.Mapping,
	})
	require.Equal(t, http.StatusCreated, status, created.Message)

	view := waitForJob(t, ts.URL, created.Data.ID)
	require.Equal(t, job.StatusCompleted, view.Status, "error: %s", view.Error)
	assert.Equal(t, 2, view.TotalCount)
	assert.Equal(t, 2, view.ProcessedCount)

	_, detail := doJSON[job.Job](t, http.MethodGet, ts.URL+"/api/v1/jobs/"+created.Data.ID, nil)
	require.Len(t, detail.Data.Results, 2)
	first, second := detail.Data.Results[0], detail.Data.Results[1]
	assert.Equal(t, "Amine Benali", first.Name)
	assert.EqualValues(t, 4500, first.Price)
	assert.Equal(t, "Alger", second.City)
	assert.EqualValues(t, 6000, second.Price)
}

func TestE2E_UploadRejectsUnsupportedFile(t *testing.T) {
	ts := setupE2E(t, http.DefaultClient)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "customers.txt")
	_, _ = io.WriteString(fw, "name,phone\n")
	_ = mw.Close()

	resp, err := http.Post(ts.URL+"/api/v1/tables", mw.FormDataContentType(), &buf)
	require.NoError(t, err, "upload")
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_InvalidRequests(t *testing.T) {
	ts := setupE2E(t, http.DefaultClient)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"relative target", http.MethodPost, "/api/v1/jobs", map[string]any{"targetUrl": "/product", "totalCount": 1}, http.StatusBadRequest},
		{"zero orders", http.MethodPost, "/api/v1/jobs", map[string]any{"targetUrl": "https://shop.example/p", "totalCount": 0}, http.StatusBadRequest},
		{"over the cap", http.MethodPost, "/api/v1/jobs", map[string]any{"targetUrl": "https://shop.example/p", "totalCount": 101}, http.StatusBadRequest},
		{"tabular without table", http.MethodPost, "/api/v1/jobs", map[string]any{"targetUrl": "https://shop.example/p", "mode": "tabular"}, http.StatusBadRequest},
		{"unknown status filter", http.MethodGet, "/api/v1/jobs?status=DONE", nil, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", nil, http.StatusNotFound},
		{"unknown job progress", http.MethodGet, "/api/v1/jobs/missing/progress", nil, http.StatusNotFound},
		{"cancel unknown job", http.MethodDelete, "/api/v1/jobs/missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := doJSON[json.RawMessage](t, tt.method, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, status, res.Message)
			assert.NotEqual(t, "ok", res.Message, "expected an error message")
		})
	}
}

func TestE2E_MalformedBody(t *testing.T) {
	ts := setupE2E(t, http.DefaultClient)

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_Metrics(t *testing.T) {
	target := landingServer(t)
	ts := setupE2E(t, target.Client())

	_, created := doJSON[job.Created](t, http.MethodPost, ts.URL+"/api/v1/jobs", map[string]any{
		"targetUrl":  target.URL + "/product",
		"totalCount": 2,
	})
	waitForJob(t, ts.URL, created.Data.ID)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, name := range []string{"campaign_jobs_finished_total", "campaign_units_total", "campaign_tier_attempts_total"} {
		assert.Contains(t, string(body), name)
	}
}
