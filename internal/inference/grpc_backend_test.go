package inference

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startModelServer はインメモリのgRPCモデルサーバーを起動する。
// Predictはピクセル数と次元数をロジットとして返す。"broken-model"には数値でないロジットを返す。
func startModelServer(t *testing.T, serving map[string]bool) *GRPCBackend {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()

	hs := health.NewServer()
	for name, ok := range serving {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(name, status)
	}
	healthpb.RegisterHealthServer(srv, hs)

	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "neurosight.inference.v1.Classifier",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Predict",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				pixels := in.GetFields()["pixel_values"].GetListValue().GetValues()
				shape := in.GetFields()["shape"].GetListValue().GetValues()
				if in.GetFields()["model"].GetStringValue() == "broken-model" {
					return structpb.NewStruct(map[string]interface{}{"logits": []interface{}{"nan"}})
				}
				return structpb.NewStruct(map[string]interface{}{
					"logits": []interface{}{float64(len(pixels)), float64(len(shape))},
				})
			},
		}},
	}, struct{}{})

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	b, err := NewGRPCBackend("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewGRPCBackend() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestGRPCBackend_Probe(t *testing.T) {
	b := startModelServer(t, map[string]bool{"stroke-convnext": true, "ms-vit": false})
	ctx := context.Background()

	if err := b.Probe(ctx, "stroke-convnext"); err != nil {
		t.Errorf("Probe(serving) error = %v", err)
	}
	if err := b.Probe(ctx, "ms-vit"); err == nil {
		t.Error("Probe(not serving) expected error")
	}
	if err := b.Probe(ctx, "unknown-model"); err == nil {
		t.Error("Probe(unknown) expected error")
	}
}

func TestGRPCBackend_Predict(t *testing.T) {
	b := startModelServer(t, nil)

	out, err := b.Predict(context.Background(), "stroke-convnext", &Tensor{Shape: []int{1, 3, 2, 2}, Data: make([]float32, 12)})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(out) != 2 || out[0] != 12 || out[1] != 4 {
		t.Errorf("logits = %v, want [12 4]", out)
	}
}

func TestGRPCBackend_Predict_RejectsNonNumericLogits(t *testing.T) {
	b := startModelServer(t, nil)

	_, err := b.Predict(context.Background(), "broken-model", &Tensor{Shape: []int{1, 1}, Data: []float32{0}})
	if err == nil {
		t.Fatal("expected error for non-numeric logit")
	}
}
