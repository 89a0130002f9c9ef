package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breedscope.app/internal/client"
)

// fakeService answers the endpoints breedctl talks to.
type fakeService struct {
	limeResult string
	limeError  string
	cleared    []string
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/signup", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"message": "User registered successfully"})
	})
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Invalid credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Login successful"})
	})
	mux.HandleFunc("POST /api/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"history":[{"filename":"a.jpg","breed":"pug","confidence":88.5,"timestamp":"2024-01-02 03:04:05"}]}`))
	})
	mux.HandleFunc("POST /api/clear", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.cleared = append(f.cleared, body["filename"])
		w.Write([]byte(`{"message":"Entry cleared"}`))
	})
	mux.HandleFunc("POST /api/predict", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rex", r.FormValue("username"))
		w.Write([]byte(`{"breed":"beagle","confidence":61.23,"analysis":[{"breed":"beagle","confidence":61.23}]}`))
	})
	mux.HandleFunc("POST /lime-job", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"job_id":"j1"}`))
	})
	mux.HandleFunc("GET /lime-progress/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"job_id\":\"j1\",\"progress\":0}\n\n")
		fmt.Fprint(w, "data: {\"job_id\":\"j1\",\"progress\":50}\n\n")
		last := map[string]any{"job_id": "j1"}
		if f.limeError != "" {
			last["error"] = f.limeError
		} else {
			last["progress"] = 100
			last["lime_image"] = f.limeResult
		}
		data, _ := json.Marshal(last)
		fmt.Fprintf(w, "data: %s\n\n", data)
	})
	return mux
}

type harness struct {
	t       *testing.T
	url     string
	session string
}

func newHarness(t *testing.T, svc *fakeService) *harness {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	srv := httptest.NewServer(svc.handler(t))
	t.Cleanup(srv.Close)
	return &harness{t: t, url: srv.URL, session: filepath.Join(t.TempDir(), "session.json")}
}

func (h *harness) run(stdin string, args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", h.url, "--session-file", h.session}, args...))
	err := cmd.Execute()
	return stripANSI(out.String()), err
}

func (h *harness) login() {
	h.t.Helper()
	_, err := h.run("", "login", "rex", "--password", "secret")
	require.NoError(h.t, err)
}

func writeImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dog.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpeg bytes"), 0o600))
	return p
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansi.ReplaceAllString(s, "") }

func TestSignup_ReadsPasswordFromStdin(t *testing.T) {
	h := newHarness(t, &fakeService{})
	out, err := h.run("secret\n", "signup", "rex")
	require.NoError(t, err)
	assert.Contains(t, out, "User registered successfully")
}

func TestLoginWhoamiLogout(t *testing.T) {
	h := newHarness(t, &fakeService{})

	_, err := h.run("", "whoami")
	assert.ErrorContains(t, err, "not logged in")

	out, err := h.run("", "login", "rex", "-p", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as rex")

	out, err = h.run("", "whoami")
	require.NoError(t, err)
	assert.Equal(t, "rex\n", out)

	_, err = h.run("", "logout")
	require.NoError(t, err)
	_, err = h.run("", "whoami")
	assert.Error(t, err)
}

func TestLogin_BadPassword(t *testing.T) {
	h := newHarness(t, &fakeService{})
	_, err := h.run("", "login", "rex", "-p", "wrong")

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.NoFileExists(t, h.session)
}

func TestHistoryAndClear(t *testing.T) {
	svc := &fakeService{}
	h := newHarness(t, svc)
	h.login()

	out, err := h.run("", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "a.jpg")
	assert.Contains(t, out, "88.50%")

	out, err = h.run("", "clear", "a.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "Entry cleared")
	assert.Equal(t, []string{"a.jpg"}, svc.cleared)
}

func TestPredict_WithExplanation(t *testing.T) {
	h := newHarness(t, &fakeService{limeResult: "j1_lime.jpg"})
	h.login()

	out, err := h.run("", "predict", writeImage(t), "--explain")
	require.NoError(t, err)
	assert.Contains(t, out, "beagle")
	assert.Contains(t, out, "61.23%")
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, h.url+"/uploads/j1_lime.jpg")
}

func TestExplain_ServerFailure(t *testing.T) {
	h := newHarness(t, &fakeService{limeError: "model unavailable"})

	out, err := h.run("", "explain", writeImage(t))
	assert.ErrorIs(t, err, ErrExplanationFailed)
	assert.ErrorIs(t, err, client.ErrChannel)
	assert.Contains(t, out, "model unavailable")
}

func TestPredict_RequiresLogin(t *testing.T) {
	h := newHarness(t, &fakeService{})
	_, err := h.run("", "predict", writeImage(t))
	assert.ErrorContains(t, err, "not logged in")
}

func TestExplain_RejectsUnknownTransport(t *testing.T) {
	h := newHarness(t, &fakeService{})
	_, err := h.run("", "explain", writeImage(t), "--transport", "carrier-pigeon")
	assert.Error(t, err)
}

func TestConfigFromEnvironment(t *testing.T) {
	h := newHarness(t, &fakeService{})
	t.Setenv("BREEDCTL_SERVER", "ftp://nowhere")

	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--session-file", h.session, "whoami"})
	assert.ErrorContains(t, cmd.Execute(), "http or https")
}
