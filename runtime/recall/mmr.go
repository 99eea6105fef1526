package recall

import "strings"

// selectMMR applies maximal marginal relevance over the candidate list with
// lambda = 1 - diversity. The first pick is the highest-scoring candidate;
// each subsequent pick maximizes
//
//	lambda*relevance + (1-lambda)*(1 - maxSim(candidate, selected))
//
// where maxSim is token-set Jaccard similarity over variant content. Ties
// break on raw relevance, then object CreatedAt, then id, so selection is
// deterministic for a given candidate set. Candidates must arrive sorted by
// (score desc, CreatedAt asc, id asc).
func selectMMR(candidates []*candidate, diversity float64, limit int) []*candidate {
	if len(candidates) == 0 || limit <= 0 {
		return nil
	}
	lambda := 1 - clamp01(diversity)

	selected := make([]*candidate, 0, limit)
	remaining := make([]*candidate, len(candidates)-1)
	selected = append(selected, candidates[0])
	copy(remaining, candidates[1:])

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			redundancy := maxSimilarity(c, selected)
			score := lambda*c.score + (1-lambda)*(1-redundancy)
			if bestIdx == -1 || score > bestScore || (score == bestScore && beats(c, remaining[bestIdx])) {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// beats resolves MMR score ties: higher raw relevance wins, then the
// earlier-created object, then the smaller id.
func beats(a, b *candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.object.CreatedAt.Equal(b.object.CreatedAt) {
		return a.object.CreatedAt.Before(b.object.CreatedAt)
	}
	return a.object.ID < b.object.ID
}

func maxSimilarity(c *candidate, selected []*candidate) float64 {
	max := 0.0
	for _, s := range selected {
		if sim := jaccard(c.tokens, s.tokens); sim > max {
			max = sim
		}
	}
	return max
}

// jaccard computes token-set Jaccard similarity between two pre-tokenized
// texts. Both inputs are sorted-unique token slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter, i, j int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// tokenSet lowercases, splits on whitespace and returns the sorted unique
// token slice used for Jaccard comparisons.
func tokenSet(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	// Insertion sort; token sets are small.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
