package regime

import (
	"fmt"

	"github.com/atlas-desktop/screener-backend/pkg/types"
)

// LowConfidence is the confidence below which a caution is appended
const LowConfidence = 0.6

// Recommendations returns screening guidance for an environment
func Recommendations(env types.MarketEnvironment) []string {
	recs := make([]string, 0, 4)

	switch env.Kind {
	case types.EnvironmentBull:
		recs = append(recs,
			"Bull market: growth and momentum factors carry more weight",
			"Favor high-growth names but keep position risk in check",
			"Valuation requirements can be relaxed in favor of earnings growth",
		)
	case types.EnvironmentBear:
		recs = append(recs,
			"Bear market: value and quality factors carry more weight",
			"Focus on low-valuation, high-quality, high-dividend defensive stocks",
			"Raise the margin of safety and avoid richly valued stocks",
		)
	case types.EnvironmentSideways:
		recs = append(recs,
			"Sideways market: keep factor exposure balanced",
			"Technical factors carry more weight for short-term opportunities",
			"Keep position sizes moderate and adjust flexibly",
		)
	default:
		return append(recs, "Market environment is undefined; base weights are in use")
	}

	if env.Confidence < LowConfidence {
		recs = append(recs, fmt.Sprintf("Classification confidence is low (%.2f); adjust strategy cautiously", env.Confidence))
	}

	return recs
}
