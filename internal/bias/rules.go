package bias

import (
	"context"
	"fmt"
	"math"
)

// RuleClassifier 是确定性的规则分类器，取所有命中规则中严重程度最高的一项。
type RuleClassifier struct{}

// Classify 实现 Classifier。
func (RuleClassifier) Classify(_ context.Context, in Input) (Verdict, error) {
	best := Verdict{}
	consider := func(c Category, severity float64, evidence string) {
		if severity <= 0 || severity <= best.Severity {
			return
		}
		best = Verdict{HasBias: true, Category: c, Severity: math.Min(severity, 1), Evidence: evidence}
	}

	conf := in.Draft.Confidence
	vol := in.Context.Volatility
	risk := in.Context.RiskScore
	verb := Verb(in.Draft.Action)

	if conf > 0.85 && vol > 0.4 {
		consider(Overconfidence, (conf-0.85)/0.15*0.5+(vol-0.4)/0.6*0.5,
			fmt.Sprintf("confidence %.2f under volatility %.2f", conf, vol))
	}

	if (verb == "HOLD" || verb == "HEDGE") && risk < 0.3 && vol < 0.2 {
		consider(LossAversion, 0.35, fmt.Sprintf("%s with risk %.2f and volatility %.2f", verb, risk, vol))
	}

	if n := len(in.History); n > 0 {
		prev := in.History[n-1]
		if Verb(prev.Action) != verb && math.Abs(prev.RiskScore-risk) < 0.05 {
			consider(Recency, 0.4, fmt.Sprintf("action flipped %s→%s without risk change", Verb(prev.Action), verb))
		}
	}

	if len(in.History) >= 3 {
		lo, hi := risk, risk
		sameVerb := true
		anchored := true
		for _, h := range in.History {
			lo = math.Min(lo, h.RiskScore)
			hi = math.Max(hi, h.RiskScore)
			if Verb(h.Action) != verb {
				sameVerb = false
			}
			if math.Abs(h.Confidence-conf) > 0.02 {
				anchored = false
			}
		}
		spread := hi - lo
		if anchored && spread > 0.2 {
			consider(Anchoring, 0.3+spread, fmt.Sprintf("confidence pinned near %.2f across risk spread %.2f", conf, spread))
		}
		if sameVerb && len(in.History) >= 4 && risk-in.History[0].RiskScore > 0.2 {
			consider(Confirmation, 0.3+(risk-in.History[0].RiskScore), fmt.Sprintf("repeated %s while risk rose", verb))
		}
	}

	return best, nil
}

var _ Classifier = RuleClassifier{}
