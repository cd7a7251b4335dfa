package analysis

// Interpretation は信頼度の解釈。
type Interpretation struct {
	Level   string
	Summary string
	fill    [3]int
}

// InterpretConfidence は信頼度（0〜100）を4段階で解釈する。
func InterpretConfidence(confidence float64) Interpretation {
	switch {
	case confidence >= 90:
		return Interpretation{
			Level:   "Very High",
			Summary: "The model is highly confident in this prediction.",
			fill:    [3]int{209, 250, 229},
		}
	case confidence >= 75:
		return Interpretation{
			Level:   "High",
			Summary: "The model shows strong confidence in this prediction.",
			fill:    [3]int{219, 234, 254},
		}
	case confidence >= 60:
		return Interpretation{
			Level:   "Moderate",
			Summary: "The model shows reasonable confidence, but further clinical evaluation is recommended.",
			fill:    [3]int{254, 243, 199},
		}
	default:
		return Interpretation{
			Level:   "Low",
			Summary: "The model has limited confidence. Additional testing is strongly recommended.",
			fill:    [3]int{254, 226, 226},
		}
	}
}

const clinicalRecommendation = "This AI-assisted analysis should be used as a supplementary diagnostic tool. " +
	"The results must be reviewed and validated by qualified medical professionals. " +
	"Further clinical examination, additional imaging, and comprehensive patient history " +
	"should be considered before making any diagnostic or treatment decisions."

var importantNotes = []string{
	"This is an AI-generated prediction and not a definitive diagnosis",
	"Results should be interpreted by qualified healthcare professionals",
	"Additional tests may be required for confirmation",
	"Patient symptoms and medical history must be considered",
	"This report is for medical professional use only",
}
