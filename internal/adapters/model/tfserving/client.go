package tfserving

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"

	"breedscope.app/internal/core/circuitbreaker"
	"breedscope.app/internal/core/imaging"
	"breedscope.app/internal/core/ports"
	"breedscope.app/internal/core/tracing"
)

// Client calls a TensorFlow Serving REST endpoint.
type Client struct {
	baseURL    string
	model      string
	labels     []string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

var _ ports.Classifier = (*Client)(nil)

func NewClient(baseURL, model string, labels []string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		model:      model,
		labels:     labels,
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		breaker:    circuitbreaker.New("model-" + model),
	}
}

func (c *Client) Labels() []string {
	return c.labels
}

type predictRequest struct {
	Instances [][][][3]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error"`
}

func (c *Client) PredictBatch(ctx context.Context, images []image.Image) ([][]float64, error) {
	if len(images) == 0 {
		return nil, nil
	}

	req := predictRequest{Instances: make([][][][3]float32, len(images))}
	for i, img := range images {
		req.Instances[i] = Tensor(img)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartModelSpan(ctx, c.model, len(images))
	defer span.End()

	var out predictResponse
	err = c.breaker.Execute(ctx, func() error {
		return c.post(ctx, body, &out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "predict failed")
		return nil, fmt.Errorf("model predict: %w", err)
	}

	if len(out.Predictions) != len(images) {
		return nil, fmt.Errorf("model returned %d predictions for %d images", len(out.Predictions), len(images))
	}
	for i, row := range out.Predictions {
		if len(row) != len(c.labels) {
			return nil, fmt.Errorf("prediction %d has %d scores, want %d", i, len(row), len(c.labels))
		}
	}
	return out.Predictions, nil
}

func (c *Client) post(ctx context.Context, body []byte, out *predictResponse) error {
	url := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode predictions: %w", err)
	}
	if out.Error != "" {
		return fmt.Errorf("model server: %s", out.Error)
	}
	return nil
}

// Ping checks that the model version status endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/models/%s", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server status %d", resp.StatusCode)
	}
	return nil
}

// Tensor converts img to a HWC tensor of RGB values scaled to [0,1].
func Tensor(img image.Image) [][][3]float32 {
	rgba := imaging.Sized(img)

	b := rgba.Bounds()
	out := make([][][3]float32, b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := make([][3]float32, b.Dx())
		for x := 0; x < b.Dx(); x++ {
			i := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
			row[x] = [3]float32{
				float32(rgba.Pix[i]) / 255,
				float32(rgba.Pix[i+1]) / 255,
				float32(rgba.Pix[i+2]) / 255,
			}
		}
		out[y] = row
	}
	return out
}
