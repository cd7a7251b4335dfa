// Package analysis はMRI画像の解析実行、解析履歴、PDFレポート生成を提供する。
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/hitoshi/neurosight/internal/inference"
	"github.com/hitoshi/neurosight/internal/metrics"
	"github.com/hitoshi/neurosight/internal/model"
	"github.com/hitoshi/neurosight/internal/repository"
	"github.com/hitoshi/neurosight/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	recentLimit         = 5
	maxNotesLength      = 2000
	maxPatientAge       = 150
	scanDateLayout      = "2006-01-02"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Classifier は画像分類のインターフェース。
type Classifier interface {
	Classify(ctx context.Context, diseaseKey string, imageBytes []byte) (*model.InferenceResult, error)
}

// Catalog は疾患定義とモデル提供状況の参照インターフェース。
type Catalog interface {
	Descriptor(key string) (inference.ClassifierDescriptor, bool)
	Available(key string) bool
}

// Sanitizer はユーザー入力テキストの無害化インターフェース。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Deps は解析サービスの依存関係。
type Deps struct {
	Classifier Classifier
	Catalog    Catalog
	Analyses   repository.AnalysisRepository
	Store      storage.ObjectStore
	Cache      Cache // nilの場合はキャッシュしない
	Sanitizer  Sanitizer
	Metrics    metrics.MetricsCollector
}

// AnalyzeInput は解析リクエストの入力値。
type AnalyzeInput struct {
	DiseaseKey string
	Patient    model.PatientInfo
	Image      []byte
	Filename   string
}

// Report は生成済みPDFレポート。
type Report struct {
	Filename string
	Key      string
	Data     []byte
}

// Service は解析と履歴のビジネスロジックを提供する。
type Service struct {
	classifier Classifier
	catalog    Catalog
	analyses   repository.AnalysisRepository
	store      storage.ObjectStore
	cache      Cache
	sanitizer  Sanitizer
	metrics    metrics.MetricsCollector
	cacheTTL   time.Duration

	now             func() time.Time
	compressReports bool
}

// NewService はServiceを生成する。cacheTTLは推論結果キャッシュの保持期間。
func NewService(deps Deps, cacheTTL time.Duration) *Service {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Service{
		classifier:      deps.Classifier,
		catalog:         deps.Catalog,
		analyses:        deps.Analyses,
		store:           deps.Store,
		cache:           deps.Cache,
		sanitizer:       deps.Sanitizer,
		metrics:         deps.Metrics,
		cacheTTL:        cacheTTL,
		now:             time.Now,
		compressReports: true,
	}
}

// cachedPrediction はキャッシュに保存する推論結果。
type cachedPrediction struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Analyze は画像を分類し、画像と解析履歴を保存する。
func (s *Service) Analyze(ctx context.Context, account *model.Account, in AnalyzeInput) (*model.Analysis, error) {
	// 1. 入力検証
	patient, err := s.normalizePatient(in.Patient)
	if err != nil {
		return nil, err
	}
	if len(in.Image) == 0 {
		return nil, model.NewValidationError("image file is required")
	}

	// 2. 疾患キーとモデル提供状況の確認
	if _, ok := s.catalog.Descriptor(in.DiseaseKey); !ok {
		return nil, model.NewUnknownDiseaseError(in.DiseaseKey)
	}
	if !s.catalog.Available(in.DiseaseKey) {
		return nil, model.NewModelUnavailableError(in.DiseaseKey)
	}

	// 3. 推論（キャッシュ優先）
	result, err := s.classify(ctx, in.DiseaseKey, in.Image)
	if err != nil {
		return nil, err
	}

	// 4. 画像の保存
	now := s.now()
	imageKey := fmt.Sprintf("uploads/%s/%s_%s", account.ID, now.Format("20060102_150405"), safeFilename(in.Filename, "scan"))
	if err := s.store.Put(ctx, imageKey, in.Image, http.DetectContentType(in.Image)); err != nil {
		return nil, fmt.Errorf("failed to store scan image: %w", err)
	}
	result.ImageRef = imageKey

	// 5. 履歴の追加
	analysis := &model.Analysis{
		ID:         uuid.NewString(),
		UserID:     account.ID,
		Patient:    patient,
		DiseaseKey: result.DiseaseKey,
		Prediction: result.Label,
		Confidence: result.Confidence,
		ImageKey:   result.ImageRef,
		CreatedAt:  now,
	}
	if err := s.analyses.Create(ctx, analysis); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	slog.Info("analysis completed",
		slog.String("analysis_id", analysis.ID),
		slog.String("user_id", account.ID),
		slog.String("disease", analysis.DiseaseKey),
		slog.String("prediction", analysis.Prediction),
		slog.Float64("confidence", analysis.Confidence),
	)
	return analysis, nil
}

// classify はキャッシュを確認し、ミスの場合のみモデルを実行して結果をキャッシュする。
// キャッシュの障害は推論を妨げない。
func (s *Service) classify(ctx context.Context, diseaseKey string, data []byte) (*model.InferenceResult, error) {
	if s.cache == nil {
		return s.classifier.Classify(ctx, diseaseKey, data)
	}

	sum := sha256.Sum256(data)
	key := "prediction:" + diseaseKey + ":" + hex.EncodeToString(sum[:])

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var cached cachedPrediction
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			s.metrics.RecordPredictionCache(true)
			return &model.InferenceResult{
				DiseaseKey: diseaseKey,
				Index:      cached.Index,
				Label:      cached.Label,
				Confidence: cached.Confidence,
			}, nil
		}
		slog.Warn("discarding malformed cached prediction", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		slog.Warn("prediction cache lookup failed", slog.String("error", err.Error()))
	}
	s.metrics.RecordPredictionCache(false)

	result, err := s.classifier.Classify(ctx, diseaseKey, data)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cachedPrediction{Index: result.Index, Label: result.Label, Confidence: result.Confidence})
	if err == nil {
		if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil {
			slog.Warn("failed to cache prediction", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// normalizePatient は患者情報を検証し、自由記述を無害化する。
func (s *Service) normalizePatient(p model.PatientInfo) (model.PatientInfo, error) {
	p.Name = s.sanitize(p.Name)
	p.ID = s.sanitize(p.ID)
	p.ScanDate = strings.TrimSpace(p.ScanDate)
	p.Notes = s.sanitize(p.Notes)

	if p.Name == "" {
		return p, model.NewValidationError("patient name is required")
	}
	if p.ID == "" {
		return p, model.NewValidationError("patient ID is required")
	}
	if p.Age != nil && (*p.Age < 0 || *p.Age > maxPatientAge) {
		return p, model.NewValidationError("patient age must be between 0 and 150")
	}
	if p.ScanDate != "" {
		if _, err := time.Parse(scanDateLayout, p.ScanDate); err != nil {
			return p, model.NewValidationError("scan date must be in YYYY-MM-DD format")
		}
	}
	if len([]rune(p.Notes)) > maxNotesLength {
		return p, model.NewValidationError("notes must be at most 2000 characters")
	}
	return p, nil
}

func (s *Service) sanitize(v string) string {
	if s.sanitizer == nil {
		return strings.TrimSpace(v)
	}
	return s.sanitizer.Sanitize(v)
}

// History は解析履歴を新しい順に返す。
func (s *Service) History(ctx context.Context, account *model.Account, limit int) ([]*model.Analysis, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	analyses, err := s.analyses.ListByUserID(ctx, account.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return analyses, nil
}

// Dashboard は総解析件数、今月の件数、直近5件を返す。
func (s *Service) Dashboard(ctx context.Context, account *model.Account) (*model.Dashboard, error) {
	total, err := s.analyses.CountByUserID(ctx, account.ID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to count analyses: %w", err)
	}

	now := s.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	thisMonth, err := s.analyses.CountByUserID(ctx, account.ID, monthStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count analyses this month: %w", err)
	}

	recent, err := s.analyses.ListByUserID(ctx, account.ID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent analyses: %w", err)
	}

	return &model.Dashboard{
		TotalAnalyses:     total,
		AnalysesThisMonth: thisMonth,
		Recent:            recent,
	}, nil
}

// Get はアカウント所有の解析履歴を返す。
func (s *Service) Get(ctx context.Context, account *model.Account, id string) (*model.Analysis, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewAnalysisNotFoundError(id)
	}
	analysis, err := s.analyses.FindByID(ctx, account.ID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find analysis: %w", err)
	}
	if analysis == nil {
		return nil, model.NewAnalysisNotFoundError(id)
	}
	return analysis, nil
}

// ScanImage は解析に使用した画像と Content-Type を返す。
func (s *Service) ScanImage(ctx context.Context, account *model.Account, id string) ([]byte, string, error) {
	analysis, err := s.Get(ctx, account, id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.store.Get(ctx, analysis.ImageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", model.NewAnalysisNotFoundError(id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load scan image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// GenerateReport は解析結果のPDFレポートを生成して保存する。
func (s *Service) GenerateReport(ctx context.Context, account *model.Account, id string) (*Report, error) {
	// 1. 解析履歴の取得
	analysis, err := s.Get(ctx, account, id)
	if err != nil {
		return nil, err
	}

	// 2. 画像の読み込み（失敗してもレポートは生成する）
	scan := loadScan(ctx, s.store, analysis.ImageKey)

	diseaseName := analysis.DiseaseKey
	if desc, ok := s.catalog.Descriptor(analysis.DiseaseKey); ok {
		diseaseName = desc.Name
	}

	// 3. 描画
	now := s.now()
	data, err := renderReport(reportData{
		Analysis:    analysis,
		DiseaseName: diseaseName,
		Physician:   account.Name,
		Hospital:    account.Profile.HospitalName,
		Scan:        scan,
		GeneratedAt: now,
	}, s.compressReports)
	if err != nil {
		return nil, err
	}

	// 4. 保存とキーの記録
	filename := fmt.Sprintf("NeuroSight_Report_%s_%s.pdf",
		safeFilename(analysis.Patient.ID, "patient"), now.Format("20060102_150405"))
	key := fmt.Sprintf("reports/%s/%s", account.ID, filename)
	if err := s.store.Put(ctx, key, data, "application/pdf"); err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}
	if err := s.analyses.UpdateReportKey(ctx, analysis.ID, key); err != nil {
		return nil, fmt.Errorf("failed to record report key: %w", err)
	}

	slog.Info("report generated",
		slog.String("analysis_id", analysis.ID),
		slog.String("report_key", key),
		slog.Int("size", len(data)),
	)
	return &Report{Filename: filename, Key: key, Data: data}, nil
}

// loadScan は保存済み画像をデコードする。読めない場合はnilを返す。
func loadScan(ctx context.Context, store storage.ObjectStore, key string) image.Image {
	if key == "" {
		return nil
	}
	data, err := store.Get(ctx, key)
	if err != nil {
		slog.Warn("scan image unavailable for report", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	img, err := inference.DecodeImage(data)
	if err != nil {
		slog.Warn("scan image could not be decoded for report", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	return img
}

// safeFilename はパス要素を除き、英数字と . _ - 以外を _ に置き換える。
func safeFilename(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return fallback
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
