package vision

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MaxItemDrift bounds how far Normalize moves any item away from the model's
// estimate, as a fraction of the original value.
const MaxItemDrift = 0.10

var nutrientKeys = []string{"calories_kcal", "protein_g", "fat_g", "carbs_g"}

// Normalize scales every item by a factor in [1-MaxItemDrift, 1+MaxItemDrift]
// derived from seed, rounds calories to whole kcal and macros to 0.1 g, and
// rewrites totals as the sum of the items. The same seed always yields the
// same output. Fields it does not know about are kept.
func Normalize(raw json.RawMessage, seed string) (json.RawMessage, FoodAnalysis, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, FoodAnalysis{}, fmt.Errorf("normalize analysis: %w", err)
	}

	rawItems, _ := doc["items"].([]any)
	items := make([]any, 0, len(rawItems))
	var sum Nutrients
	for i, v := range rawItems {
		item, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := item["name"].(string)
		f := driftFactor(seed + ":" + name + ":" + strconv.Itoa(i))

		kcal := math.RoundToEven(nonNegative(number(item["calories_kcal"]) * f))
		protein := round1(nonNegative(number(item["protein_g"]) * f))
		fat := round1(nonNegative(number(item["fat_g"]) * f))
		carbs := round1(nonNegative(number(item["carbs_g"]) * f))
		item["calories_kcal"] = int64(kcal)
		item["protein_g"] = protein
		item["fat_g"] = fat
		item["carbs_g"] = carbs

		sum.CaloriesKcal += kcal
		sum.ProteinG += protein
		sum.FatG += fat
		sum.CarbsG += carbs
		items = append(items, item)
	}
	sum.ProteinG = round1(sum.ProteinG)
	sum.FatG = round1(sum.FatG)
	sum.CarbsG = round1(sum.CarbsG)

	doc["items"] = items
	doc["totals"] = map[string]any{
		nutrientKeys[0]: int64(sum.CaloriesKcal),
		nutrientKeys[1]: sum.ProteinG,
		nutrientKeys[2]: sum.FatG,
		nutrientKeys[3]: sum.CarbsG,
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, FoodAnalysis{}, fmt.Errorf("normalize analysis: %w", err)
	}
	var analysis FoodAnalysis
	if err := json.Unmarshal(out, &analysis); err != nil {
		return nil, FoodAnalysis{}, fmt.Errorf("normalize analysis: %w", err)
	}
	return out, analysis, nil
}

// driftFactor maps sha256(seed) onto [1-MaxItemDrift, 1+MaxItemDrift].
func driftFactor(seed string) float64 {
	digest := sha256.Sum256([]byte(seed))
	unit := float64(binary.BigEndian.Uint64(digest[:8])) / math.Exp2(64)
	f := 1 + (unit*2-1)*MaxItemDrift
	return math.Max(1-MaxItemDrift, math.Min(1+MaxItemDrift, f))
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func nonNegative(v float64) float64 {
	return math.Max(0, v)
}

func round1(v float64) float64 {
	return math.RoundToEven(v*10) / 10
}
