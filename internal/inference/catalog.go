// Package inference は学習済み画像分類モデルによるMRI画像の推論を提供する。
//
// モデルは疾患キーごとにRegistryへ起動時に1回だけ登録され、以後は読み取り専用として共有される。
// 推論そのものはモデルサーバー（TensorFlow Serving互換REST、またはgRPC）に委譲する。
package inference

import "fmt"

// RuntimeKind はモデルの実行形式。前処理と出力の解釈を決定する。
type RuntimeKind int

const (
	// KindKeras はKeras形式のモデル。確率を出力する。
	KindKeras RuntimeKind = iota
	// KindTransformer はViT/ConvNeXt等の画像Transformer系モデル。ロジットを出力する。
	KindTransformer
)

// String は実行形式名を返す。
func (k RuntimeKind) String() string {
	switch k {
	case KindKeras:
		return "keras"
	case KindTransformer:
		return "transformer"
	default:
		return fmt.Sprintf("RuntimeKind(%d)", int(k))
	}
}

// Arity は分類器の出力形式。
type Arity int

const (
	// MultiClass はクラス数と同じ長さの出力を持つ多クラス分類。
	MultiClass Arity = iota
	// Binary は陽性クラスのスコアを1要素で出力する二値分類。
	Binary
)

// ClassifierDescriptor は疾患ごとの分類器定義。
type ClassifierDescriptor struct {
	Key       string   // 疾患キー（"stroke" 等）
	Name      string   // 表示名
	ModelName string   // モデルサーバー上のモデル名
	Artifact  string   // モデル成果物のファイル名
	Labels    []string // 出力インデックス→ラベル
	Arity     Arity
	Kind      RuntimeKind
}

// DefaultCatalog は標準の4疾患の分類器定義を返す。
func DefaultCatalog() []ClassifierDescriptor {
	return []ClassifierDescriptor{
		{
			Key:       "ms",
			Name:      "Multiple Sclerosis",
			ModelName: "ms-vit",
			Artifact:  "multiple_sclerosis.pth",
			Labels:    []string{"Control-Axial", "Control-Sagittal", "MS-Axial", "MS-Sagittal"},
			Arity:     MultiClass,
			Kind:      KindTransformer,
		},
		{
			Key:       "alzheimer",
			Name:      "Alzheimer's Disease",
			ModelName: "alzheimer-vit",
			Artifact:  "alzhimermodel.pth",
			Labels:    []string{"Mild-alzhimer", "Moderate-alzhimer", "Non-alzhimer", "VeryMild-alzhimer"},
			Arity:     MultiClass,
			Kind:      KindTransformer,
		},
		{
			Key:       "dementia",
			Name:      "Dementia",
			ModelName: "dementia-efficientnet",
			Artifact:  "dementia_detection_model_2.h5",
			Labels:    []string{"Non-Demented", "Very-Mild-Demented", "Mild-Demented", "Moderate-Demented"},
			Arity:     MultiClass,
			Kind:      KindKeras,
		},
		{
			Key:       "stroke",
			Name:      "Stroke",
			ModelName: "stroke-convnext",
			Artifact:  "stroke.pth",
			Labels:    []string{"Normal", "Stroke"},
			Arity:     Binary,
			Kind:      KindTransformer,
		},
	}
}
