package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"breedscope.app/internal/core/domain"
)

// Artifact is a user-selected image.
type Artifact struct {
	Filename string
	Data     []byte
}

func (a Artifact) Empty() bool { return len(a.Data) == 0 }

// API is a client for the collaborator service.
type API struct {
	base *url.URL
	http *http.Client
}

func NewAPI(baseURL string, httpClient *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &API{base: u, http: httpClient}, nil
}

// BaseURL returns the service root.
func (a *API) BaseURL() string { return a.base.String() }

// URL joins p onto the service root.
func (a *API) URL(p string) string {
	u := *a.base
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// ResolveArtifact turns a stored filename into a fetchable URL.
func (a *API) ResolveArtifact(ref string) string {
	if ref == "" {
		return ""
	}
	return a.URL("/uploads/" + ref)
}

type messageResponse struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *API) Signup(ctx context.Context, username, password string) (string, error) {
	var out messageResponse
	if err := a.postJSON(ctx, "/api/signup", map[string]string{"username": username, "password": password}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (a *API) Login(ctx context.Context, username, password string) error {
	var out messageResponse
	if err := a.postJSON(ctx, "/api/login", map[string]string{"username": username, "password": password}, &out); err != nil {
		return err
	}
	if out.Success != nil && !*out.Success {
		return &APIError{Status: http.StatusUnauthorized, Message: out.Error}
	}
	return nil
}

func (a *API) History(ctx context.Context, sess Session) ([]domain.HistoryEntry, error) {
	var out struct {
		History []domain.HistoryEntry `json:"history"`
	}
	if err := a.postJSON(ctx, "/api/history", map[string]string{"username": sess.Username}, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (a *API) Clear(ctx context.Context, sess Session, filename string) error {
	return a.postJSON(ctx, "/api/clear", map[string]string{"username": sess.Username, "filename": filename}, nil)
}

func (a *API) ClearAll(ctx context.Context, sess Session) error {
	return a.postJSON(ctx, "/api/clear-all", map[string]string{"username": sess.Username}, nil)
}

// Predict classifies the artifact synchronously and records it in the user's history.
func (a *API) Predict(ctx context.Context, sess Session, art Artifact) (*domain.Prediction, error) {
	if art.Empty() {
		return nil, ErrEmptyArtifact
	}
	var out domain.Prediction
	if err := a.postMultipart(ctx, "/api/predict", art, map[string]string{"username": sess.Username}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitExplanation creates an explanation job and returns its id.
// Every failure, including a body without a job id, wraps ErrSubmissionFailed.
func (a *API) SubmitExplanation(ctx context.Context, art Artifact) (string, error) {
	if art.Empty() {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, ErrEmptyArtifact)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := a.postMultipart(ctx, "/lime-job", art, nil, &out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: response has no job id", ErrSubmissionFailed)
	}
	return out.JobID, nil
}

func (a *API) postJSON(ctx context.Context, p string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL(p), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *API) postMultipart(ctx context.Context, p string, art Artifact, fields map[string]string, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	name := art.Filename
	if name == "" {
		name = "upload.jpg"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(art.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL(p), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return a.do(req, out)
}

func (a *API) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg messageResponse
		_ = json.Unmarshal(data, &msg)
		if msg.Error == "" {
			msg.Error = msg.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
