package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/neurosight/internal/analysis"
	"github.com/hitoshi/neurosight/internal/inference"
	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// multipartMemory はマルチパートフォームをメモリに保持する上限。超過分は一時ファイルに書き出される。
const multipartMemory = 8 << 20

// AnalysisServiceInterface は解析ハンドラーが必要とするサービスインターフェース。
type AnalysisServiceInterface interface {
	Analyze(ctx context.Context, account *model.Account, in analysis.AnalyzeInput) (*model.Analysis, error)
	History(ctx context.Context, account *model.Account, limit int) ([]*model.Analysis, error)
	Dashboard(ctx context.Context, account *model.Account) (*model.Dashboard, error)
	Get(ctx context.Context, account *model.Account, id string) (*model.Analysis, error)
	ScanImage(ctx context.Context, account *model.Account, id string) ([]byte, string, error)
	GenerateReport(ctx context.Context, account *model.Account, id string) (*analysis.Report, error)
}

// DiseaseLister は疾患一覧と提供状況を返すインターフェース。
type DiseaseLister interface {
	Statuses() []inference.DiseaseStatus
}

// AnalysisHandler は解析・履歴・レポートのHTTPハンドラー。
type AnalysisHandler struct {
	service       AnalysisServiceInterface
	diseases      DiseaseLister
	uploadMaxSize int64
}

// NewAnalysisHandler はAnalysisHandlerを生成する。
func NewAnalysisHandler(service AnalysisServiceInterface, diseases DiseaseLister, uploadMaxSize int64) *AnalysisHandler {
	return &AnalysisHandler{
		service:       service,
		diseases:      diseases,
		uploadMaxSize: uploadMaxSize,
	}
}

// patientResponse は患者情報のJSON表現。
type patientResponse struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Age      *int   `json:"age"`
	ScanDate string `json:"scan_date"`
	Notes    string `json:"notes,omitempty"`
}

// analysisResponse は解析結果のJSON表現。
type analysisResponse struct {
	ID              string          `json:"id"`
	Disease         string          `json:"disease"`
	Prediction      string          `json:"prediction"`
	Confidence      float64         `json:"confidence"`
	ConfidenceLevel string          `json:"confidence_level"`
	Patient         patientResponse `json:"patient"`
	HasReport       bool            `json:"has_report"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toAnalysisResponse(a *model.Analysis) analysisResponse {
	return analysisResponse{
		ID:              a.ID,
		Disease:         a.DiseaseKey,
		Prediction:      a.Prediction,
		Confidence:      a.Confidence,
		ConfidenceLevel: analysis.InterpretConfidence(a.Confidence).Level,
		Patient: patientResponse{
			Name:     a.Patient.Name,
			ID:       a.Patient.ID,
			Age:      a.Patient.Age,
			ScanDate: a.Patient.ScanDate,
			Notes:    a.Patient.Notes,
		},
		HasReport: a.ReportKey != "",
		CreatedAt: a.CreatedAt,
	}
}

func toAnalysisResponses(list []*model.Analysis) []analysisResponse {
	out := make([]analysisResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toAnalysisResponse(a))
	}
	return out
}

// ListDiseases は解析可能な疾患とモデルの提供状況を返す。
// GET /api/diseases
func (h *AnalysisHandler) ListDiseases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"diseases": h.diseases.Statuses(),
	})
}

// Analyze はアップロードされたスキャン画像を解析する。
// POST /api/analyses (multipart/form-data)
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	// 1. フォーム全体のサイズを制限してパース
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadMaxSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			middleware.WriteError(w, r, model.NewFileTooLargeError(h.uploadMaxSize))
			return
		}
		middleware.WriteError(w, r, model.NewValidationError("Request must be multipart/form-data."))
		return
	}
	defer r.MultipartForm.RemoveAll()

	// 2. 画像ファイルの読み込み
	file, header, err := r.FormFile("file")
	if err != nil {
		middleware.WriteError(w, r, model.NewMissingFieldError("file"))
		return
	}
	defer file.Close()

	if header.Size > h.uploadMaxSize {
		middleware.WriteError(w, r, model.NewFileTooLargeError(h.uploadMaxSize))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.uploadMaxSize+1))
	if err != nil {
		middleware.WriteError(w, r, fmt.Errorf("failed to read upload: %w", err))
		return
	}
	if int64(len(data)) > h.uploadMaxSize {
		middleware.WriteError(w, r, model.NewFileTooLargeError(h.uploadMaxSize))
		return
	}

	// 3. 患者情報
	disease := strings.TrimSpace(r.FormValue("disease"))
	if disease == "" {
		middleware.WriteError(w, r, model.NewMissingFieldError("disease"))
		return
	}
	age, err := parseAge(r.FormValue("patient_age"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	// 4. 解析
	result, err := h.service.Analyze(r.Context(), account, analysis.AnalyzeInput{
		DiseaseKey: disease,
		Patient: model.PatientInfo{
			Name:     r.FormValue("patient_name"),
			ID:       r.FormValue("patient_id"),
			Age:      age,
			ScanDate: r.FormValue("scan_date"),
			Notes:    r.FormValue("notes"),
		},
		Image:    data,
		Filename: header.Filename,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"analysis": toAnalysisResponse(result),
	})
}

// isBodyTooLarge はMaxBytesReaderの上限超過によるエラーかを判定する。
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

// parseAge は年齢入力を解釈する。空欄は未入力として扱う。
func parseAge(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "N/A") {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, model.NewValidationError("Patient age must be a whole number.")
	}
	return &n, nil
}

// History は解析履歴を新しい順に返す。
// GET /api/analyses?limit=50
func (h *AnalysisHandler) History(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteError(w, r, model.NewValidationError("limit must be a positive integer."))
			return
		}
		limit = n
	}

	list, err := h.service.History(r.Context(), account, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": toAnalysisResponses(list),
	})
}

// Get は解析結果を1件返す。
// GET /api/analyses/{id}
func (h *AnalysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	a, err := h.service.Get(r.Context(), account, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis": toAnalysisResponse(a),
	})
}

// Image は解析に使用したスキャン画像を返す。
// GET /api/analyses/{id}/image
func (h *AnalysisHandler) Image(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	data, contentType, err := h.service.ScanImage(r.Context(), account, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Report は解析結果のPDFレポートを生成してダウンロードさせる。
// POST /api/analyses/{id}/report
func (h *AnalysisHandler) Report(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	report, err := h.service.GenerateReport(r.Context(), account, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, report.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(report.Data)
}

// Dashboard はダッシュボードの集計値を返す。
// GET /api/dashboard
func (h *AnalysisHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	d, err := h.service.Dashboard(r.Context(), account)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_analyses":      d.TotalAnalyses,
		"analyses_this_month": d.AnalysesThisMonth,
		"recent":              toAnalysisResponses(d.Recent),
	})
}
