package inference

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// PredictMethod はgRPCモデルサーバーの推論メソッド名。
// リクエスト・レスポンスはgoogle.protobuf.Structで、
// {model, shape, pixel_values} を送り {logits} を受け取る。
const PredictMethod = "/neurosight.inference.v1.Classifier/Predict"

// GRPCBackend はgRPCモデルサーバーで推論を行う。
type GRPCBackend struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewGRPCBackend はgRPCモデルサーバーへのクライアントを生成する。
// 接続は初回呼び出し時に確立されるため、サーバー停止中でも生成自体は失敗しない。
func NewGRPCBackend(addr string, opts ...grpc.DialOption) (*GRPCBackend, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &GRPCBackend{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Probe は標準ヘルスチェックサービスでモデルがSERVINGであることを確認する。
func (b *GRPCBackend) Probe(ctx context.Context, modelName string) error {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: modelName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("model %s is %s", modelName, resp.GetStatus())
	}
	return nil
}

// Predict はピクセル値を送信し、ロジットを返す。
func (b *GRPCBackend) Predict(ctx context.Context, modelName string, input *Tensor) ([]float64, error) {
	shape := make([]any, len(input.Shape))
	for i, d := range input.Shape {
		shape[i] = float64(d)
	}
	pixels := make([]any, len(input.Data))
	for i, v := range input.Data {
		pixels[i] = float64(v)
	}

	req, err := structpb.NewStruct(map[string]any{
		"model":        modelName,
		"shape":        shape,
		"pixel_values": pixels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build predict request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("predict call failed: %w", err)
	}

	logits := resp.GetFields()["logits"].GetListValue()
	if logits == nil {
		return nil, fmt.Errorf("response has no logits")
	}
	out := make([]float64, 0, len(logits.GetValues()))
	for _, v := range logits.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("logit is not a number: %v", v)
		}
		out = append(out, n.NumberValue)
	}
	return out, nil
}

// Close は接続を閉じる。
func (b *GRPCBackend) Close() error {
	return b.conn.Close()
}

// compile-time interface check
var _ Backend = (*GRPCBackend)(nil)
