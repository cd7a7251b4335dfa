package inference

import (
	"context"
	"errors"
	"image/color"
	"testing"
	"time"

	"github.com/hitoshi/neurosight/internal/model"
)

// --- モック定義 ---

type fakeBackend struct {
	probeErr  map[string]error
	predictFn func(ctx context.Context, modelName string, input *Tensor) ([]float64, error)
	probed    []string
	lastInput *Tensor
}

func (f *fakeBackend) Probe(_ context.Context, modelName string) error {
	f.probed = append(f.probed, modelName)
	return f.probeErr[modelName]
}

func (f *fakeBackend) Predict(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
	f.lastInput = input
	if f.predictFn != nil {
		return f.predictFn(ctx, modelName, input)
	}
	return nil, errors.New("not configured")
}

var _ Backend = (*fakeBackend)(nil)

type recordingMetrics struct {
	inferences []string
	loaded     map[string]bool
}

func (r *recordingMetrics) RecordInference(disease, outcome string, _ time.Duration) {
	r.inferences = append(r.inferences, disease+":"+outcome)
}
func (r *recordingMetrics) RecordPredictionCache(bool) {}
func (r *recordingMetrics) RecordModelLoaded(disease string, loaded bool) {
	if r.loaded == nil {
		r.loaded = make(map[string]bool)
	}
	r.loaded[disease] = loaded
}
func (r *recordingMetrics) RecordAuthEvent(string, string) {}
func (r *recordingMetrics) RecordEmail(string, error)      {}
func (r *recordingMetrics) RecordHTTPStatus(int)           {}

// --- ヘルパー ---

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Fatalf("error code = %q, want %q", apiErr.Code, code)
	}
}

func newTestClassifier(t *testing.T, keras, transformer *fakeBackend) (*Classifier, *recordingMetrics) {
	t.Helper()
	m := &recordingMetrics{}
	backends := map[RuntimeKind]Backend{}
	if keras != nil {
		backends[KindKeras] = keras
	}
	if transformer != nil {
		backends[KindTransformer] = transformer
	}
	registry := NewRegistry(context.Background(), DefaultCatalog(), backends, RegistryOptions{Metrics: m})
	return NewClassifier(registry, time.Second, m), m
}

// --- テスト ---

func TestClassify_StrokeSigmoid(t *testing.T) {
	transformer := &fakeBackend{
		predictFn: func(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
			if modelName != "stroke-convnext" {
				t.Errorf("model = %q, want %q", modelName, "stroke-convnext")
			}
			return []float64{logit(0.73)}, nil
		},
	}
	c, m := newTestClassifier(t, &fakeBackend{}, transformer)

	result, err := c.Classify(context.Background(), "stroke", solidPNG(t, 32, 32, color.Gray{Y: 90}))
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if result.Label != "Stroke" || result.Index != 1 {
		t.Errorf("prediction = (%d, %q), want (1, %q)", result.Index, result.Label, "Stroke")
	}
	if result.Confidence != 73.00 {
		t.Errorf("confidence = %v, want 73.00", result.Confidence)
	}
	if result.DiseaseKey != "stroke" {
		t.Errorf("disease key = %q, want %q", result.DiseaseKey, "stroke")
	}
	if got := transformer.lastInput.Shape; len(got) != 4 || got[1] != 3 || got[2] != 224 {
		t.Errorf("input shape = %v, want [1 3 224 224]", got)
	}
	if len(m.inferences) != 1 || m.inferences[0] != "stroke:success" {
		t.Errorf("recorded inferences = %v", m.inferences)
	}
}

func TestClassify_KerasProbabilities(t *testing.T) {
	keras := &fakeBackend{
		predictFn: func(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
			return []float64{0.1, 0.2, 0.6, 0.1}, nil
		},
	}
	c, _ := newTestClassifier(t, keras, &fakeBackend{})

	result, err := c.Classify(context.Background(), "dementia", solidPNG(t, 32, 32, color.White))
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if result.Label != "Mild-Demented" || result.Confidence != 60.00 {
		t.Errorf("result = (%q, %v), want (%q, 60.00)", result.Label, result.Confidence, "Mild-Demented")
	}
	if got := keras.lastInput.Shape; len(got) != 4 || got[1] != 128 || got[3] != 3 {
		t.Errorf("input shape = %v, want [1 128 128 3]", got)
	}
}

func TestClassify_UnknownDisease(t *testing.T) {
	c, _ := newTestClassifier(t, &fakeBackend{}, &fakeBackend{})

	_, err := c.Classify(context.Background(), "influenza", solidPNG(t, 4, 4, color.White))
	assertAPIErrorCode(t, err, model.ErrCodeUnknownDisease)
}

func TestClassify_ModelUnavailable(t *testing.T) {
	transformer := &fakeBackend{probeErr: map[string]error{"stroke-convnext": errors.New("not found")}}
	c, m := newTestClassifier(t, &fakeBackend{}, transformer)

	_, err := c.Classify(context.Background(), "stroke", solidPNG(t, 4, 4, color.White))
	assertAPIErrorCode(t, err, model.ErrCodeModelUnavailable)

	if m.loaded["stroke"] {
		t.Error("stroke should be recorded as not loaded")
	}
	if !m.loaded["ms"] {
		t.Error("ms should be recorded as loaded")
	}
}

func TestClassify_MissingBackendMakesKindUnavailable(t *testing.T) {
	c, _ := newTestClassifier(t, nil, &fakeBackend{})

	_, err := c.Classify(context.Background(), "dementia", solidPNG(t, 4, 4, color.White))
	assertAPIErrorCode(t, err, model.ErrCodeModelUnavailable)
}

func TestClassify_InvalidImage(t *testing.T) {
	transformer := &fakeBackend{
		predictFn: func(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
			t.Error("backend should not be called for an undecodable image")
			return nil, nil
		},
	}
	c, _ := newTestClassifier(t, &fakeBackend{}, transformer)

	_, err := c.Classify(context.Background(), "ms", []byte("not an image"))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidImage)
}

func TestClassify_BackendFailures(t *testing.T) {
	tests := []struct {
		name    string
		predict func(ctx context.Context, modelName string, input *Tensor) ([]float64, error)
	}{
		{"transport error", func(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
			return nil, errors.New("connection refused")
		}},
		{"arity mismatch", func(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
			return []float64{0.1, 0.9}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClassifier(t, &fakeBackend{}, &fakeBackend{predictFn: tt.predict})

			_, err := c.Classify(context.Background(), "alzheimer", solidPNG(t, 4, 4, color.White))
			assertAPIErrorCode(t, err, model.ErrCodeInferenceFailed)
		})
	}
}

func TestRegistry_StatusesFollowCatalogOrder(t *testing.T) {
	transformer := &fakeBackend{probeErr: map[string]error{"alzheimer-vit": errors.New("loading")}}
	c, _ := newTestClassifier(t, &fakeBackend{}, transformer)

	statuses := c.Registry().Statuses()

	want := []struct {
		key       string
		available bool
	}{
		{"ms", true},
		{"alzheimer", false},
		{"dementia", true},
		{"stroke", true},
	}
	if len(statuses) != len(want) {
		t.Fatalf("len(statuses) = %d, want %d", len(statuses), len(want))
	}
	for i, w := range want {
		if statuses[i].Key != w.key || statuses[i].Available != w.available {
			t.Errorf("statuses[%d] = %+v, want key=%s available=%v", i, statuses[i], w.key, w.available)
		}
	}
}

func TestRegistry_IsolatedFromCatalogMutation(t *testing.T) {
	catalog := DefaultCatalog()
	registry := NewRegistry(context.Background(), catalog, map[RuntimeKind]Backend{
		KindKeras:       &fakeBackend{},
		KindTransformer: &fakeBackend{},
	}, RegistryOptions{})

	catalog[3].Labels[1] = "Changed"

	desc, ok := registry.Descriptor("stroke")
	if !ok {
		t.Fatal("expected stroke descriptor")
	}
	if desc.Labels[1] != "Stroke" {
		t.Errorf("label = %q, registry should not share the caller's slice", desc.Labels[1])
	}
}
