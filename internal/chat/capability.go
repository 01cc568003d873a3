package chat

import "strings"

// needsToolFallback reports whether a requested feature must be simulated by
// prompt engineering because the model lacks native tool use for it.
func needsToolFallback(model Model, feature string, requested bool) bool {
	if !requested {
		return false
	}
	return !model.SupportsToolUse(feature)
}

// needsVisionFallback reports whether the turn contains image parts without
// an OCR result on a vision-unsupported model.
func needsVisionFallback(model Model, msgs []Message) bool {
	if model.SupportsVision() {
		return false
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type != PartImage {
				continue
			}
			if strings.TrimSpace(p.OCRText) == "" {
				return true
			}
		}
	}
	return false
}
