package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/model"
)

// defaultProbeTimeout はモデル1件あたりの起動時確認のタイムアウト。
const defaultProbeTimeout = 10 * time.Second

// loadedClassifier は推論可能な分類器。
type loadedClassifier struct {
	desc    ClassifierDescriptor
	profile Profile
	backend Backend
}

// DiseaseStatus は疾患ごとの提供状況。
type DiseaseStatus struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Kind      string `json:"runtime"`
	Available bool   `json:"available"`
}

// Registry は疾患キーから分類器への対応表。起動時に1回構築され、以後変更されない。
// ロードに失敗したモデルはプロセス終了まで利用不可として扱う。
type Registry struct {
	known  map[string]ClassifierDescriptor
	loaded map[string]*loadedClassifier
	order  []string
}

// RegistryOptions はRegistry構築時のオプション。
type RegistryOptions struct {
	ProbeTimeout time.Duration
	Metrics      metrics.MetricsCollector
}

// NewRegistry はカタログの各モデルを対応するバックエンドで確認し、Registryを構築する。
// バックエンドが無い、または確認に失敗したモデルは登録しない（エラーにはしない）。
func NewRegistry(ctx context.Context, catalog []ClassifierDescriptor, backends map[RuntimeKind]Backend, opts RegistryOptions) *Registry {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	r := &Registry{
		known:  make(map[string]ClassifierDescriptor, len(catalog)),
		loaded: make(map[string]*loadedClassifier, len(catalog)),
	}

	for _, desc := range catalog {
		desc.Labels = append([]string(nil), desc.Labels...)
		r.known[desc.Key] = desc
		r.order = append(r.order, desc.Key)

		lc, err := probe(ctx, desc, backends, opts.ProbeTimeout)
		if err != nil {
			opts.Metrics.RecordModelLoaded(desc.Key, false)
			slog.Warn("model unavailable",
				slog.String("disease", desc.Key),
				slog.String("model", desc.ModelName),
				slog.String("runtime", desc.Kind.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.loaded[desc.Key] = lc
		opts.Metrics.RecordModelLoaded(desc.Key, true)
		slog.Info("model loaded",
			slog.String("disease", desc.Key),
			slog.String("model", desc.ModelName),
			slog.String("runtime", desc.Kind.String()),
		)
	}

	slog.Info("model registry ready",
		slog.Int("loaded", len(r.loaded)),
		slog.Int("total", len(r.known)),
	)
	return r
}

func probe(ctx context.Context, desc ClassifierDescriptor, backends map[RuntimeKind]Backend, timeout time.Duration) (*loadedClassifier, error) {
	profile, ok := ProfileFor(desc.Kind)
	if !ok {
		return nil, errUnsupportedRuntime(desc.Kind)
	}
	backend := backends[desc.Kind]
	if backend == nil {
		return nil, errNoBackend(desc.Kind)
	}
	if desc.Arity == Binary && len(desc.Labels) != 2 {
		return nil, errLabelCount(desc.Key, len(desc.Labels))
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := backend.Probe(probeCtx, desc.ModelName); err != nil {
		return nil, err
	}

	return &loadedClassifier{desc: desc, profile: profile, backend: backend}, nil
}

// resolve は疾患キーに対応する分類器を返す。
// 未知のキーはUnknownDisease、ロードされていないキーはModelUnavailableを返す。
func (r *Registry) resolve(key string) (*loadedClassifier, error) {
	if _, ok := r.known[key]; !ok {
		return nil, model.NewUnknownDiseaseError(key)
	}
	lc, ok := r.loaded[key]
	if !ok {
		return nil, model.NewModelUnavailableError(key)
	}
	return lc, nil
}

// Descriptor は疾患キーの定義を返す。
func (r *Registry) Descriptor(key string) (ClassifierDescriptor, bool) {
	desc, ok := r.known[key]
	return desc, ok
}

// Available はモデルがロード済みかを返す。
func (r *Registry) Available(key string) bool {
	_, ok := r.loaded[key]
	return ok
}

// Statuses はカタログ順に全疾患の提供状況を返す。
func (r *Registry) Statuses() []DiseaseStatus {
	out := make([]DiseaseStatus, 0, len(r.order))
	for _, key := range r.order {
		desc := r.known[key]
		out = append(out, DiseaseStatus{
			Key:       key,
			Name:      desc.Name,
			Kind:      desc.Kind.String(),
			Available: r.Available(key),
		})
	}
	return out
}
