package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxPredictResponseBytes はモデルサーバーのレスポンス読み込み上限。
const maxPredictResponseBytes = 4 << 20

// RESTBackend はTensorFlow Serving互換のREST APIで推論を行う。
type RESTBackend struct {
	baseURL string
	client  *http.Client
}

// NewRESTBackend はRESTBackendを生成する。
func NewRESTBackend(baseURL string, timeout time.Duration) *RESTBackend {
	return &RESTBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type modelStatusResponse struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

type predictRequest struct {
	Instances []any `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// Probe はモデルのいずれかのバージョンがAVAILABLEであることを確認する。
func (b *RESTBackend) Probe(ctx context.Context, modelName string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.modelURL(modelName), nil)
	if err != nil {
		return fmt.Errorf("failed to create status request: %w", err)
	}

	var status modelStatusResponse
	if err := b.do(req, &status); err != nil {
		return fmt.Errorf("model status request failed: %w", err)
	}

	for _, v := range status.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}
	return fmt.Errorf("model %s has no available version", modelName)
}

// Predict はテンソルをinstances形式で送信し、先頭の予測値を返す。
func (b *RESTBackend) Predict(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("tensor must have a batch dimension, got shape %v", input.Shape)
	}
	body, err := json.Marshal(predictRequest{
		Instances: []any{nest(input.Data, input.Shape[1:])},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.modelURL(modelName)+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp predictResponse
	if err := b.do(req, &resp); err != nil {
		return nil, fmt.Errorf("predict request failed: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model server error: %s", resp.Error)
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("empty predictions in response")
	}

	// 出力はスカラー（二値分類）またはベクトル
	var vector []float64
	if err := json.Unmarshal(resp.Predictions[0], &vector); err == nil {
		return vector, nil
	}
	var scalar float64
	if err := json.Unmarshal(resp.Predictions[0], &scalar); err != nil {
		return nil, fmt.Errorf("unexpected prediction format: %s", string(resp.Predictions[0]))
	}
	return []float64{scalar}, nil
}

func (b *RESTBackend) modelURL(modelName string) string {
	return b.baseURL + "/v1/models/" + url.PathEscape(modelName)
}

func (b *RESTBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPredictResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// nest はフラットなデータを指定形状の入れ子配列に変換する。
func nest(data []float32, shape []int) any {
	if len(shape) == 1 {
		out := make([]float32, shape[0])
		copy(out, data)
		return out
	}
	stride := len(data) / shape[0]
	out := make([]any, shape[0])
	for i := range out {
		out[i] = nest(data[i*stride:(i+1)*stride], shape[1:])
	}
	return out
}

// compile-time interface check
var _ Backend = (*RESTBackend)(nil)
