package inference

import "context"

// Backend はモデルサーバーへの推論委譲のインターフェース。実行形式ごとに1つ用意する。
type Backend interface {
	// Probe はモデルが推論可能な状態かを確認する。
	Probe(ctx context.Context, modelName string) error
	// Predict はテンソルを送信し、バッチ先頭のモデル出力を返す。
	Predict(ctx context.Context, modelName string, input *Tensor) ([]float64, error)
}
