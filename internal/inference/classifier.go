package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/model"
)

// Classifier はRegistryに登録されたモデルで画像を分類する。副作用を持たない。
type Classifier struct {
	registry *Registry
	timeout  time.Duration
	metrics  metrics.MetricsCollector
}

// NewClassifier はClassifierを生成する。timeoutは1回の推論呼び出しの上限。
func NewClassifier(registry *Registry, timeout time.Duration, m metrics.MetricsCollector) *Classifier {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Classifier{registry: registry, timeout: timeout, metrics: m}
}

// Registry は分類器が参照するRegistryを返す。
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// Classify は画像を指定疾患のモデルで分類する。
// ImageRefは呼び出し側で設定する。
func (c *Classifier) Classify(ctx context.Context, diseaseKey string, imageBytes []byte) (*model.InferenceResult, error) {
	// 1. 分類器の解決
	lc, err := c.registry.resolve(diseaseKey)
	if err != nil {
		return nil, err
	}

	// 2. デコードと前処理
	img, err := DecodeImage(imageBytes)
	if err != nil {
		c.metrics.RecordInference(diseaseKey, "invalid_image", 0)
		slog.Info("rejected undecodable image",
			slog.String("disease", diseaseKey),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidImageError()
	}
	input := lc.profile.Preprocess(img)

	// 3. 推論
	start := time.Now()
	predictCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		predictCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	outputs, err := lc.backend.Predict(predictCtx, lc.desc.ModelName, input)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		c.metrics.RecordInference(diseaseKey, outcome, elapsed)
		slog.Error("inference failed",
			slog.String("disease", diseaseKey),
			slog.String("model", lc.desc.ModelName),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInferenceFailedError()
	}

	// 4. 出力の正規化
	pred, err := Normalize(lc.desc.Arity, len(lc.desc.Labels), outputs, lc.profile.EmitsLogits)
	if err != nil {
		c.metrics.RecordInference(diseaseKey, "bad_output", elapsed)
		slog.Error("unexpected model output",
			slog.String("disease", diseaseKey),
			slog.String("model", lc.desc.ModelName),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInferenceFailedError()
	}

	c.metrics.RecordInference(diseaseKey, "success", elapsed)
	return &model.InferenceResult{
		DiseaseKey: diseaseKey,
		Index:      pred.Index,
		Label:      lc.desc.Labels[pred.Index],
		Confidence: pred.Confidence,
	}, nil
}
