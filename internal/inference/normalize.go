package inference

import (
	"fmt"
	"math"
)

// Prediction は正規化済みの推論結果。
type Prediction struct {
	Index      int
	Confidence float64 // 0〜100、小数点以下2桁に丸め済み
}

// Normalize はモデル出力を予測インデックスと確信度に変換する。
// logitsがtrueの場合、多クラスはsoftmax、二値はsigmoidを適用してから判定する。
// 二値分類では確率0.5ちょうどを陽性（インデックス1）とする。
func Normalize(arity Arity, numLabels int, outputs []float64, logits bool) (Prediction, error) {
	for i, v := range outputs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Prediction{}, fmt.Errorf("output[%d] is not finite: %v", i, v)
		}
	}

	switch arity {
	case Binary:
		if len(outputs) != 1 {
			return Prediction{}, fmt.Errorf("binary classifier returned %d outputs, want 1", len(outputs))
		}
		if numLabels != 2 {
			return Prediction{}, fmt.Errorf("binary classifier has %d labels, want 2", numLabels)
		}
		p := outputs[0]
		if logits {
			p = sigmoid(p)
		}
		if p < 0 || p > 1 {
			return Prediction{}, fmt.Errorf("probability out of range: %v", p)
		}
		if p >= 0.5 {
			return Prediction{Index: 1, Confidence: round2(p * 100)}, nil
		}
		return Prediction{Index: 0, Confidence: round2((1 - p) * 100)}, nil

	case MultiClass:
		if len(outputs) != numLabels {
			return Prediction{}, fmt.Errorf("classifier returned %d outputs, want %d", len(outputs), numLabels)
		}
		if numLabels == 0 {
			return Prediction{}, fmt.Errorf("classifier has no labels")
		}
		probs := outputs
		if logits {
			probs = softmax(outputs)
		}
		idx := argmax(probs)
		return Prediction{Index: idx, Confidence: round2(probs[idx] * 100)}, nil
	}

	return Prediction{}, fmt.Errorf("unknown arity: %d", arity)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// softmax は最大値を引いてからexpを取り、オーバーフローを避ける。
func softmax(xs []float64) []float64 {
	maxV := xs[0]
	for _, v := range xs[1:] {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, v := range xs {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// argmax は最大値のインデックスを返す。同値の場合は先頭を優先する。
func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
