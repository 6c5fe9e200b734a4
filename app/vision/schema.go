package vision

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FoodAnalysisSchema is the contract every model response must satisfy. It is
// also sent to the model as the output format hint.
const FoodAnalysisSchema = `{
  "type": "object",
  "required": ["recognized", "overall_confidence", "totals", "items", "warnings", "assumptions"],
  "properties": {
    "recognized": {"type": "boolean"},
    "overall_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "totals": {"$ref": "#/definitions/nutrients"},
    "items": {
      "type": "array",
      "items": {
        "allOf": [
          {"$ref": "#/definitions/nutrients"},
          {
            "type": "object",
            "required": ["name", "grams", "confidence"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "grams": {"type": "number", "minimum": 0},
              "confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        ]
      }
    },
    "warnings": {"type": "array", "items": {"type": "string"}},
    "assumptions": {"type": "array", "items": {"type": "string"}}
  },
  "definitions": {
    "nutrients": {
      "type": "object",
      "required": ["calories_kcal", "protein_g", "fat_g", "carbs_g"],
      "properties": {
        "calories_kcal": {"type": "number", "minimum": 0},
        "protein_g": {"type": "number", "minimum": 0},
        "fat_g": {"type": "number", "minimum": 0},
        "carbs_g": {"type": "number", "minimum": 0}
      }
    }
  }
}`

var foodSchema = mustSchema(FoodAnalysisSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("vision: invalid food analysis schema: %v", err))
	}
	return s
}

// ValidateFoodAnalysis checks raw against FoodAnalysisSchema.
func ValidateFoodAnalysis(raw []byte) error {
	result, err := foodSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate food analysis: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("food analysis does not match schema: %s", strings.Join(problems, "; "))
}

type Nutrients struct {
	CaloriesKcal float64 `json:"calories_kcal"`
	ProteinG     float64 `json:"protein_g"`
	FatG         float64 `json:"fat_g"`
	CarbsG       float64 `json:"carbs_g"`
}

type FoodItem struct {
	Nutrients
	Name       string  `json:"name"`
	Grams      float64 `json:"grams"`
	Confidence float64 `json:"confidence"`
}

// FoodAnalysis is the decoded, schema-valid model output.
type FoodAnalysis struct {
	Recognized        bool       `json:"recognized"`
	OverallConfidence float64    `json:"overall_confidence"`
	Totals            Nutrients  `json:"totals"`
	Items             []FoodItem `json:"items"`
	Warnings          []string   `json:"warnings"`
	Assumptions       []string   `json:"assumptions"`
}
