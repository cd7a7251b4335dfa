package inference

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

func TestPreprocess_KerasProfile_NHWCScaledToUnit(t *testing.T) {
	img, err := DecodeImage(solidPNG(t, 16, 10, color.RGBA{R: 255, G: 0, B: 51, A: 255}))
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}
	profile, _ := ProfileFor(KindKeras)

	tensor := profile.Preprocess(img)

	wantShape := []int{1, 128, 128, 3}
	if len(tensor.Shape) != 4 || tensor.Shape[1] != 128 || tensor.Shape[2] != 128 || tensor.Shape[3] != 3 {
		t.Fatalf("shape = %v, want %v", tensor.Shape, wantShape)
	}
	if len(tensor.Data) != 128*128*3 {
		t.Fatalf("len(data) = %d, want %d", len(tensor.Data), 128*128*3)
	}
	// 先頭画素のRGBが連続して並ぶ
	if !approxEqual(tensor.Data[0], 1) || !approxEqual(tensor.Data[1], 0) || !approxEqual(tensor.Data[2], 0.2) {
		t.Errorf("first pixel = %v, want [1 0 0.2]", tensor.Data[:3])
	}
}

func TestPreprocess_TransformerProfile_NCHWNormalized(t *testing.T) {
	img, err := DecodeImage(solidPNG(t, 8, 8, color.RGBA{R: 255, G: 0, B: 0, A: 255}))
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}
	profile, _ := ProfileFor(KindTransformer)

	tensor := profile.Preprocess(img)

	if tensor.Shape[1] != 3 || tensor.Shape[2] != 224 || tensor.Shape[3] != 224 {
		t.Fatalf("shape = %v, want [1 3 224 224]", tensor.Shape)
	}
	plane := 224 * 224
	// R平面は (1-0.5)/0.5 = 1、G平面は (0-0.5)/0.5 = -1
	if !approxEqual(tensor.Data[0], 1) {
		t.Errorf("R[0] = %v, want 1", tensor.Data[0])
	}
	if !approxEqual(tensor.Data[plane], -1) {
		t.Errorf("G[0] = %v, want -1", tensor.Data[plane])
	}
	if !approxEqual(tensor.Data[2*plane+plane-1], -1) {
		t.Errorf("B[last] = %v, want -1", tensor.Data[3*plane-1])
	}
}

func TestPreprocess_GrayscaleBecomesRGB(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}

	img, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}
	profile, _ := ProfileFor(KindKeras)
	tensor := profile.Preprocess(img)

	want := float32(128) / 255
	for c := 0; c < 3; c++ {
		if !approxEqual(tensor.Data[c], want) {
			t.Errorf("channel %d = %v, want %v", c, tensor.Data[c], want)
		}
	}
}

func TestDecodeImage_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("definitely not an image")},
		{"truncated png", solidPNG(t, 4, 4, color.White)[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeImage(tt.data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestProfileFor_UnknownKind(t *testing.T) {
	if _, ok := ProfileFor(RuntimeKind(99)); ok {
		t.Error("expected no profile for unknown runtime kind")
	}
}
