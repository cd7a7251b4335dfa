package model

import "time"

// InferenceResult はモデル推論の結果を表す。
type InferenceResult struct {
	DiseaseKey string
	Index      int
	Label      string
	Confidence float64 // 0〜100、小数第2位で丸め済み
	ImageRef   string  // 呼び出し側が設定するストレージキー
}

// PatientInfo は解析対象の患者情報。
type PatientInfo struct {
	Name     string
	ID       string
	Age      *int
	ScanDate string
	Notes    string
}

// Analysis は解析履歴の1レコードを表す。作成後は追記のみで更新しない（レポートキーを除く）。
type Analysis struct {
	ID         string
	UserID     string
	Patient    PatientInfo
	DiseaseKey string
	Prediction string
	Confidence float64
	ImageKey   string
	ReportKey  string
	CreatedAt  time.Time
}

// Dashboard はダッシュボード集計値を表す。
type Dashboard struct {
	TotalAnalyses     int
	AnalysesThisMonth int
	Recent            []*Analysis
}
