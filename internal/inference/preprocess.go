package inference

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// maxImagePixels はデコードを許可する最大画素数。
const maxImagePixels = 50_000_000

// Layout はテンソルの次元順序。
type Layout int

const (
	// LayoutNHWC は [batch, height, width, channel]。
	LayoutNHWC Layout = iota
	// LayoutNCHW は [batch, channel, height, width]。
	LayoutNCHW
)

// Profile は実行形式ごとの前処理と出力解釈の定義。
type Profile struct {
	Width, Height int
	Layout        Layout
	Mean, Std     [3]float32
	EmitsLogits   bool
	Interpolator  draw.Interpolator
}

// profiles は実行形式から前処理プロファイルへの対応表。
var profiles = map[RuntimeKind]Profile{
	KindKeras: {
		Width:        128,
		Height:       128,
		Layout:       LayoutNHWC,
		Mean:         [3]float32{0, 0, 0},
		Std:          [3]float32{1, 1, 1},
		EmitsLogits:  false,
		Interpolator: draw.CatmullRom,
	},
	KindTransformer: {
		Width:        224,
		Height:       224,
		Layout:       LayoutNCHW,
		Mean:         [3]float32{0.5, 0.5, 0.5},
		Std:          [3]float32{0.5, 0.5, 0.5},
		EmitsLogits:  true,
		Interpolator: draw.BiLinear,
	},
}

// ProfileFor は実行形式に対応するプロファイルを返す。
func ProfileFor(kind RuntimeKind) (Profile, bool) {
	p, ok := profiles[kind]
	return p, ok
}

// Tensor はバッチサイズ1の入力テンソル。
type Tensor struct {
	Shape []int
	Data  []float32
}

// DecodeImage は画像をデコードする。サイズが上限を超える画像はデコード前に拒否する。
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxImagePixels {
		return nil, fmt.Errorf("unsupported image size %dx%d", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Preprocess は画像をRGBに変換・リサイズし、プロファイルに従って正規化したテンソルを返す。
// アルファチャンネルは破棄する。
func (p Profile) Preprocess(img image.Image) *Tensor {
	dst := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	p.Interpolator.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.Width * p.Height
	data := make([]float32, plane*3)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			off := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := (float32(dst.Pix[off+c])/255 - p.Mean[c]) / p.Std[c]
				pos := y*p.Width + x
				if p.Layout == LayoutNCHW {
					data[c*plane+pos] = v
				} else {
					data[pos*3+c] = v
				}
			}
		}
	}

	shape := []int{1, p.Height, p.Width, 3}
	if p.Layout == LayoutNCHW {
		shape = []int{1, 3, p.Height, p.Width}
	}
	return &Tensor{Shape: shape, Data: data}
}
