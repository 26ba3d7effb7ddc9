package bias

import (
	"math"
	"sort"

	"TreasuryMind-Chain/internal/decision"
)

// minScanSamples 是单个智能体参与系统扫描所需的最少决策数。
const minScanSamples = 5

// Assessment 是系统扫描对某个分类的评估结果。
type Assessment struct {
	Category Category
	// Severity 为各智能体严重程度的最大值。
	Severity float64
	// PerAgent 记录每个智能体的严重程度。
	PerAgent map[string]float64
	// Samples 记录每个智能体命中该分类的决策所对应的样本哈希。
	Samples map[string][]string
}

// Affected 返回严重程度不低于 threshold 的智能体，按 ID 排序。
func (a Assessment) Affected(threshold float64) []string {
	out := make([]string, 0)
	for id, sev := range a.PerAgent {
		if sev >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Scan 对决策窗口逐个分类独立评分。
func Scan(entries []decision.Entry) []Assessment {
	byAgent := make(map[string][]decision.Decision)
	for _, e := range entries {
		byAgent[e.Decision.AgentID] = append(byAgent[e.Decision.AgentID], e.Decision)
	}

	modal := modalVerb(entries)
	results := make([]Assessment, 0, len(Taxonomy))
	for _, category := range Taxonomy {
		a := Assessment{Category: category, PerAgent: map[string]float64{}, Samples: map[string][]string{}}
		for agentID, ds := range byAgent {
			sev, hits := score(category, ds, modal, len(byAgent))
			for _, d := range ds {
				if d.BiasCategory == string(category) {
					sev = math.Max(sev, d.BiasSeverity)
					hits = append(hits, d)
				}
			}
			if sev <= 0 {
				continue
			}
			a.PerAgent[agentID] = math.Min(sev, 1)
			a.Samples[agentID] = sampleHashes(hits)
			a.Severity = math.Max(a.Severity, a.PerAgent[agentID])
		}
		results = append(results, a)
	}
	return results
}

func score(category Category, ds []decision.Decision, modal string, agents int) (float64, []decision.Decision) {
	if len(ds) < minScanSamples {
		return 0, nil
	}
	n := float64(len(ds))
	switch category {
	case Confirmation:
		start, best := 0, 0
		bestStart := 0
		for i := 1; i <= len(ds); i++ {
			if i == len(ds) || Verb(ds[i].Action) != Verb(ds[start].Action) {
				if i-start > best {
					best, bestStart = i-start, start
				}
				start = i
			}
		}
		run := ds[bestStart : bestStart+best]
		lo, hi := riskRange(run)
		if hi-lo < 0.2 {
			return 0, nil
		}
		return float64(best) / n, run
	case Anchoring:
		lo, hi := riskRange(ds)
		if hi-lo < 0.2 {
			return 0, nil
		}
		sd := stddev(ds)
		if sd >= 0.1 {
			return 0, nil
		}
		return 1 - sd/0.1, ds
	case Recency:
		var flips []decision.Decision
		for i := 1; i < len(ds); i++ {
			if Verb(ds[i].Action) != Verb(ds[i-1].Action) {
				flips = append(flips, ds[i])
			}
		}
		return float64(len(flips)) / (n - 1), flips
	case Herding:
		if agents < 3 || modal == "" {
			return 0, nil
		}
		var same []decision.Decision
		for _, d := range ds {
			if Verb(d.Action) == modal {
				same = append(same, d)
			}
		}
		share := float64(len(same)) / n
		if share <= 0.5 {
			return 0, nil
		}
		return (share - 0.5) * 2, same
	case Overconfidence:
		var conf, risk float64
		var hits []decision.Decision
		for _, d := range ds {
			conf += d.Confidence
			risk += d.Impact.RiskScore
			if d.Confidence > 1-d.Impact.RiskScore {
				hits = append(hits, d)
			}
		}
		gap := conf/n - (1 - risk/n)
		if gap <= 0 {
			return 0, nil
		}
		return gap * 2, hits
	case LossAversion:
		var hits []decision.Decision
		for _, d := range ds {
			v := Verb(d.Action)
			if (v == "HOLD" || v == "HEDGE") && d.Impact.RiskScore < 0.3 {
				hits = append(hits, d)
			}
		}
		return float64(len(hits)) / n, hits
	}
	return 0, nil
}

func modalVerb(entries []decision.Entry) string {
	counts := map[string]int{}
	for _, e := range entries {
		counts[Verb(e.Decision.Action)]++
	}
	best, bestCount := "", 0
	for verb, c := range counts {
		if c > bestCount || (c == bestCount && verb < best) {
			best, bestCount = verb, c
		}
	}
	return best
}

func riskRange(ds []decision.Decision) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range ds {
		lo = math.Min(lo, d.Impact.RiskScore)
		hi = math.Max(hi, d.Impact.RiskScore)
	}
	return lo, hi
}

func stddev(ds []decision.Decision) float64 {
	var mean float64
	for _, d := range ds {
		mean += d.Confidence
	}
	mean /= float64(len(ds))
	var v float64
	for _, d := range ds {
		v += (d.Confidence - mean) * (d.Confidence - mean)
	}
	return math.Sqrt(v / float64(len(ds)))
}

func sampleHashes(ds []decision.Decision) []string {
	seen := make(map[string]struct{}, len(ds))
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.SampleHash == "" {
			continue
		}
		if _, ok := seen[d.SampleHash]; ok {
			continue
		}
		seen[d.SampleHash] = struct{}{}
		out = append(out, d.SampleHash)
	}
	sort.Strings(out)
	return out
}
