package corrections

// Similarity returns a similarity in [0, 1] between two values. Equal strings
// score exactly 1.0; otherwise the Jaro-Winkler similarity with prefix scale
// 0.1 and a common-prefix cap of 4. Stable across runs for the same inputs.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	s := jaroWinkler([]rune(a), []rune(b))
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

const (
	winklerPrefixScale = 0.1
	winklerPrefixCap   = 4
)

func jaroWinkler(a, b []rune) float64 {
	j := jaro(a, b)
	if j == 0 {
		return 0
	}
	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < winklerPrefixCap; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*winklerPrefixScale*(1-j)
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	window := max(len(a), len(b))/2 - 1
	if window < 0 {
		window = 0
	}

	aMatched := make([]bool, len(a))
	bMatched := make([]bool, len(b))
	matches := 0
	for i := range a {
		lo := max(i-window, 0)
		hi := min(i+window+1, len(b))
		for k := lo; k < hi; k++ {
			if bMatched[k] || a[i] != b[k] {
				continue
			}
			aMatched[i] = true
			bMatched[k] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatched[i] {
			continue
		}
		for !bMatched[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}
