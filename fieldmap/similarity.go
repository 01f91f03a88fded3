package fieldmap

// Scorer rates how alike two normalized names are, in [0,1]. It must be a
// pure function.
type Scorer interface {
	Score(a, b string) float64
}

// CharOverlapScorer is the Dice coefficient over character multisets:
// 2*|common chars| / (|a|+|b|). It ignores order, so anagrams score 1.0;
// the engine caps heuristic confidence below exact matches for that reason.
type CharOverlapScorer struct{}

func (CharOverlapScorer) Score(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	counts := make(map[rune]int, len(ra))
	for _, r := range ra {
		counts[r]++
	}
	common := 0
	for _, r := range rb {
		if counts[r] > 0 {
			counts[r]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(ra)+len(rb))
}

// LevenshteinScorer is 1 - editDistance/maxLen. Order-sensitive alternative
// for deployments where anagram-like keys cause false matches.
type LevenshteinScorer struct{}

func (LevenshteinScorer) Score(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshteinDistance(ra, rb))/float64(maxLen)
}

func levenshteinDistance(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j-1]+cost, cur[j-1]+1, prev[j]+1)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
