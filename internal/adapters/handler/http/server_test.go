package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sse "github.com/tmaxmax/go-sse"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	redisq "breedscope.app/internal/adapters/queue/redis"
	"breedscope.app/internal/adapters/repository/pg"
	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/services"
)

type passthroughExplainer struct{}

func (passthroughExplainer) Explain(_ context.Context, img image.Image, report func(int)) (image.Image, error) {
	report(40)
	report(80)
	return img, nil
}

type fixedClassifier struct{}

func (fixedClassifier) Labels() []string { return []string{"beagle", "husky"} }

func (fixedClassifier) PredictBatch(_ context.Context, imgs []image.Image) ([][]float64, error) {
	out := make([][]float64, len(imgs))
	for i := range out {
		out[i] = []float64{0.2, 0.8}
	}
	return out, nil
}

type testEnv struct {
	srv     *httptest.Server
	explain *services.ExplainService
	client  *goredis.Client
	dlq     *redisq.DeadLetterQueue
}

func newTestEnv(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	broker := redisq.NewFromClient(client, time.Minute)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	repo, err := pg.NewFromDB(db)
	require.NoError(t, err)

	dlq := redisq.NewDeadLetterQueue(client)
	explain := services.NewExplainService(broker, broker, broker, repo, passthroughExplainer{}, dlq)
	deps := Deps{
		Predictions: services.NewPredictionService(fixedClassifier{}, repo, repo),
		Explain:     explain,
		Auth:        services.NewAuthService(repo),
		History:     services.NewHistoryService(repo),
		Health:      services.NewHealthService(db, client, "test"),
		Artifacts:     repo,
		FailedJobs:    dlq,
		AdminToken:    "ops-token",
		Heartbeat:     time.Second,
		EnableMetrics: true,
	}
	if configure != nil {
		configure(&deps)
	}

	srv := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, explain: explain, client: client, dlq: dlq}
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 60, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, url string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "dog.png")
		require.NoError(t, err)
		fw.Write(file)
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (e *testEnv) createJob(t *testing.T) string {
	t.Helper()
	resp, err := http.DefaultClient.Do(multipartRequest(t, e.srv.URL+"/lime-job", pngImage(t), nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["job_id"])
	return out["job_id"]
}

func TestServer_SignupAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	creds := map[string]string{"username": "rex", "password": "woof"}

	resp, body := postJSON(t, env.srv.URL+"/api/signup", creds)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "User registered successfully", body["message"])

	resp, body = postJSON(t, env.srv.URL+"/api/signup", creds)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Username already exists", body["error"])

	resp, body = postJSON(t, env.srv.URL+"/api/login", creds)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = postJSON(t, env.srv.URL+"/api/login", map[string]string{"username": "rex", "password": "meow"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid credentials", body["error"])

	resp, _ = postJSON(t, env.srv.URL+"/api/signup", map[string]string{"username": "rex"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PredictHistoryAndClear(t *testing.T) {
	env := newTestEnv(t, nil)
	img := pngImage(t)

	resp, err := http.DefaultClient.Do(multipartRequest(t, env.srv.URL+"/api/predict", img, map[string]string{"username": "rex"}))
	require.NoError(t, err)
	var pred domain.Prediction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pred))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "husky", pred.Breed)
	assert.Equal(t, 80.0, pred.Confidence)
	assert.Len(t, pred.Analysis, 2)

	resp, body := postJSON(t, env.srv.URL+"/api/history", map[string]string{"username": "rex"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "husky", entry["breed"])
	filename := entry["filename"].(string)

	img2, err := http.Get(env.srv.URL + "/uploads/" + filename)
	require.NoError(t, err)
	stored, _ := io.ReadAll(img2.Body)
	img2.Body.Close()
	assert.Equal(t, http.StatusOK, img2.StatusCode)
	assert.Equal(t, img, stored)

	resp, body = postJSON(t, env.srv.URL+"/api/clear", map[string]string{"username": "rex", "filename": filename})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Entry cleared", body["message"])

	_, body = postJSON(t, env.srv.URL+"/api/history", map[string]string{"username": "rex"})
	assert.Empty(t, body["history"])

	resp, body = postJSON(t, env.srv.URL+"/api/clear-all", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing username", body["error"])
}

func TestServer_PredictValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.DefaultClient.Do(multipartRequest(t, env.srv.URL+"/api/predict", nil, map[string]string{"username": "rex"}))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.DefaultClient.Do(multipartRequest(t, env.srv.URL+"/api/predict", pngImage(t), nil))
	require.NoError(t, err)
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username not provided", body["error"])

	missing, err := http.Get(env.srv.URL + "/uploads/nope.jpg")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// readSSE collects data events until a terminal one arrives.
func readSSE(t *testing.T, r io.Reader, onFirst func()) []domain.ProgressEvent {
	t.Helper()
	var events []domain.ProgressEvent
	for msg, err := range sse.Read(r, nil) {
		require.NoError(t, err)
		if msg.Data == "" {
			continue
		}
		var ev domain.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Data), &ev))
		events = append(events, ev)
		if len(events) == 1 && onFirst != nil {
			onFirst()
		}
		if ev.Terminal() {
			return events
		}
	}
	t.Fatal("stream ended before a terminal event")
	return nil
}

func TestServer_LimeJobStreamsToCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createJob(t)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.srv.URL + "/lime-progress/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body, func() {
		go env.explain.Process(context.Background(), id)
	})

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, 0, *events[0].Progress)
	last := events[len(events)-1]
	assert.Equal(t, id+"_lime.jpg", last.LimeImage)
	assert.Equal(t, 100, *last.Progress)
	for _, ev := range events {
		assert.Equal(t, id, ev.JobID)
	}

	// The stream is closed by the server after the terminal event.
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(rest), "data:")

	artifact, err := http.Get(env.srv.URL + "/uploads/" + last.LimeImage)
	require.NoError(t, err)
	artifact.Body.Close()
	assert.Equal(t, http.StatusOK, artifact.StatusCode)
	assert.Equal(t, "image/jpeg", artifact.Header.Get("Content-Type"))
}

func TestServer_LimeProgressUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/lime-progress/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_LimeProgressHeartbeat(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Heartbeat = 20 * time.Millisecond })
	id := env.createJob(t)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.srv.URL + "/lime-progress/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": heartbeat") {
			return
		}
	}
}

func TestServer_LimeSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.createJob(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/lime-progress/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first domain.ProgressEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 0, *first.Progress)

	go env.explain.Process(context.Background(), id)

	var last domain.ProgressEvent
	for !last.Terminal() {
		require.NoError(t, conn.ReadJSON(&last))
	}
	assert.Equal(t, id+"_lime.jpg", last.LimeImage)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServer_LimeJobRateLimited(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, func(d *Deps) {
		d.Limiter = lazyLimiter{get: func() *goredis.Client { return env.client }}
	})

	env.createJob(t)

	resp, err := http.DefaultClient.Do(multipartRequest(t, env.srv.URL+"/lime-job", pngImage(t), nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

// lazyLimiter builds its Redis limiter on first use, after the test env exists.
type lazyLimiter struct {
	get func() *goredis.Client
}

func (l lazyLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	return redisq.NewFixedWindowLimiter(l.get(), 1, time.Minute).Allow(ctx, key)
}

func (l lazyLimiter) Limit() int { return 1 }

func TestServer_Liveness(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_FailedJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.dlq.Add(ctx, &domain.ExplainJob{ID: "j1", Status: domain.JobStatusFailed, Error: "timeout"}, "deadline exceeded"))

	do := func(method, path, token string) *http.Response {
		req, err := http.NewRequest(method, env.srv.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/admin/failed-jobs", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/admin/failed-jobs", "wrong").StatusCode)

	resp := do(http.MethodGet, "/api/admin/failed-jobs?limit=10", "ops-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Total int64              `json:"total"`
		Jobs  []domain.FailedJob `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "j1", page.Jobs[0].Job.ID)
	assert.Equal(t, "deadline exceeded", page.Jobs[0].Reason)

	assert.Equal(t, http.StatusOK, do(http.MethodDelete, "/api/admin/failed-jobs/j1", "ops-token").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/api/admin/failed-jobs/j1", "ops-token").StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `breedscope_http_requests_total{method="GET",route="/health/live",status="200"}`)
}
