package analysis

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"

	"github.com/hitoshi/neurosight/internal/model"
)

const (
	reportFont       = "Helvetica"
	reportImageSize  = 100.0 // mm
	reportImageMaxPx = 1024
	rowHeight        = 9.0
	labelWidth       = 50.0
)

// reportData はPDFレポートの描画内容。
type reportData struct {
	Analysis    *model.Analysis
	DiseaseName string
	Physician   string
	Hospital    string
	Scan        image.Image // nilの場合は画像欄に注記を出す
	GeneratedAt time.Time
}

// renderReport は解析結果をPDFに描画する。
func renderReport(d reportData, compress bool) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetCompression(compress)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("NeuroSight Report", false)
	pdf.SetCreator("NeuroSight", false)
	pdf.SetCreationDate(d.GeneratedAt)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	width := pageW - left - right

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(reportFont, "I", 8)
		pdf.SetTextColor(100, 116, 139)
		pdf.CellFormat(0, 5, fmt.Sprintf("NeuroSight - AI-Powered Brain Disease Detection | Page %d", pdf.PageNo()),
			"", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	// ヘッダー
	pdf.SetFont(reportFont, "B", 26)
	pdf.SetTextColor(30, 64, 175)
	pdf.CellFormat(0, 12, "NeuroSight", "", 1, "C", false, 0, "")
	pdf.SetFont(reportFont, "", 13)
	pdf.SetTextColor(100, 116, 139)
	pdf.CellFormat(0, 8, "AI-Powered Brain Disease Detection Report", "", 1, "C", false, 0, "")
	pdf.SetDrawColor(59, 130, 246)
	pdf.SetLineWidth(0.7)
	pdf.Line(left, pdf.GetY()+2, left+width, pdf.GetY()+2)
	pdf.Ln(6)

	pdf.SetFont(reportFont, "", 10)
	pdf.SetTextColor(51, 65, 85)
	pdf.SetFillColor(248, 250, 252)
	pdf.SetDrawColor(203, 213, 225)
	pdf.SetLineWidth(0.2)
	meta := "Report Generated: " + d.GeneratedAt.Format("January 2, 2006 at 03:04 PM")
	if d.Physician != "" {
		meta += "    Physician: " + d.Physician
	}
	if d.Hospital != "" {
		meta += " (" + d.Hospital + ")"
	}
	pdf.CellFormat(width, rowHeight, tr(meta), "1", 1, "L", true, 0, "")
	pdf.Ln(6)

	a := d.Analysis

	// 患者情報
	sectionHeading(pdf, "Patient Information")
	age := "N/A"
	if a.Patient.Age != nil {
		age = fmt.Sprintf("%d", *a.Patient.Age)
	}
	rows := [][2]string{
		{"Patient Name", a.Patient.Name},
		{"Patient ID", a.Patient.ID},
		{"Age", age},
		{"Scan Date", orNA(a.Patient.ScanDate)},
	}
	for _, r := range rows {
		labeledRow(pdf, tr, r[0], r[1], width, [3]int{255, 255, 255})
	}
	pdf.Ln(6)

	// 診断結果
	sectionHeading(pdf, "Diagnostic Results")
	labeledRow(pdf, tr, "Disease Type", d.DiseaseName, width, [3]int{255, 255, 255})
	labeledRow(pdf, tr, "Prediction", a.Prediction, width, predictionFill(a.Prediction))
	labeledRow(pdf, tr, "Confidence Score", fmt.Sprintf("%.2f%%", a.Confidence), width, [3]int{255, 255, 255})
	pdf.Ln(6)

	// スキャン画像
	sectionHeading(pdf, "Brain Scan Image")
	if d.Scan != nil {
		if err := placeScan(pdf, d.Scan, left, width); err != nil {
			return nil, err
		}
	} else {
		pdf.SetFont(reportFont, "I", 10)
		pdf.CellFormat(width, rowHeight, "Image file not available", "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	// 結果の解釈
	sectionHeading(pdf, "Result Analysis")
	interp := InterpretConfidence(a.Confidence)
	pdf.SetFont(reportFont, "", 10)
	pdf.SetTextColor(51, 65, 85)
	pdf.SetFillColor(interp.fill[0], interp.fill[1], interp.fill[2])
	pdf.SetDrawColor(148, 163, 184)
	pdf.MultiCell(width, 6, tr("Confidence Level: "+interp.Level+" - "+interp.Summary), "1", "L", true)
	pdf.Ln(4)

	pdf.SetFont(reportFont, "B", 10)
	pdf.CellFormat(width, 6, "Clinical Recommendation:", "", 1, "L", false, 0, "")
	pdf.SetFont(reportFont, "", 10)
	pdf.MultiCell(width, 5.5, clinicalRecommendation, "", "L", false)
	pdf.Ln(4)

	pdf.SetFillColor(254, 243, 199)
	pdf.SetDrawColor(245, 158, 11)
	var notes strings.Builder
	notes.WriteString("Important Notes:\n")
	for _, n := range importantNotes {
		notes.WriteString("- " + n + "\n")
	}
	pdf.MultiCell(width, 5.5, strings.TrimRight(notes.String(), "\n"), "1", "L", true)

	if a.Patient.Notes != "" {
		pdf.Ln(4)
		sectionHeading(pdf, "Clinical Notes")
		pdf.SetFont(reportFont, "", 10)
		pdf.SetTextColor(51, 65, 85)
		pdf.MultiCell(width, 5.5, tr(a.Patient.Notes), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}
	return buf.Bytes(), nil
}

func sectionHeading(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont(reportFont, "B", 14)
	pdf.SetTextColor(30, 58, 138)
	pdf.CellFormat(0, 9, title, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func labeledRow(pdf *fpdf.Fpdf, tr func(string) string, label, value string, width float64, fill [3]int) {
	pdf.SetDrawColor(219, 234, 254)
	pdf.SetTextColor(51, 65, 85)

	pdf.SetFont(reportFont, "B", 10)
	pdf.SetFillColor(239, 246, 255)
	pdf.CellFormat(labelWidth, rowHeight, label+":", "1", 0, "L", true, 0, "")

	pdf.SetFont(reportFont, "", 10)
	pdf.SetFillColor(fill[0], fill[1], fill[2])
	pdf.CellFormat(width-labelWidth, rowHeight, tr(value), "1", 1, "L", true, 0, "")
}

// placeScan は画像をPNGに変換してページ中央に配置する。
func placeScan(pdf *fpdf.Fpdf, scan image.Image, left, width float64) error {
	flat := flattenScan(scan, reportImageMaxPx)

	var buf bytes.Buffer
	if err := png.Encode(&buf, flat); err != nil {
		return fmt.Errorf("failed to encode scan image: %w", err)
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("scan", opts, &buf)

	b := flat.Bounds()
	w, h := reportImageSize, reportImageSize
	if b.Dx() >= b.Dy() {
		h = reportImageSize * float64(b.Dy()) / float64(b.Dx())
	} else {
		w = reportImageSize * float64(b.Dx()) / float64(b.Dy())
	}
	pdf.ImageOptions("scan", left+(width-w)/2, pdf.GetY(), w, h, true, opts, 0, "")
	return nil
}

// flattenScan は白背景に合成し、長辺がmaxSide以下になるよう縮小する。
func flattenScan(src image.Image, maxSide int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxSide || h > maxSide {
		if w >= h {
			h = max(1, h*maxSide/w)
			w = maxSide
		} else {
			w = max(1, w*maxSide/h)
			h = maxSide
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func predictionFill(prediction string) [3]int {
	if strings.Contains(prediction, "Normal") || strings.Contains(prediction, "Control") {
		return [3]int{254, 243, 199}
	}
	return [3]int{254, 226, 226}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
