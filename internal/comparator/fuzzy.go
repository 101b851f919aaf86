package comparator

// Fuzzy scores edit-distance similarity via Jaro-Winkler, rescaled around a
// configurable similarity floor: similarity at the floor scores 0, above it
// scales toward +1, below it toward -1.
type Fuzzy struct {
	Floor float64
}

func (Fuzzy) Type() MatchType { return TypeFuzzy }

func (f Fuzzy) Compare(a, b Field) float64 {
	if !a.Present || !b.Present {
		return 0
	}
	sim := JaroWinkler(a.Value, b.Value)
	if sim >= f.Floor {
		return (sim - f.Floor) / (1 - f.Floor)
	}
	return (sim - f.Floor) / f.Floor
}

// Jaro returns the Jaro similarity of two strings in [0, 1].
func Jaro(s1, s2 string) float64 {
	if s1 == s2 {
		return 1
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0
	}

	window := len(s1)
	if len(s2) > window {
		window = len(s2)
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matched1 := make([]bool, len(s1))
	matched2 := make([]bool, len(s2))

	matches := 0
	for i := 0; i < len(s1); i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > len(s2) {
			hi = len(s2)
		}
		for j := lo; j < hi; j++ {
			if matched2[j] || s1[i] != s2[j] {
				continue
			}
			matched1[i] = true
			matched2[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < len(s1); i++ {
		if !matched1[i] {
			continue
		}
		for !matched2[j] {
			j++
		}
		if s1[i] != s2[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(s1)) + m/float64(len(s2)) + (m-t)/m) / 3
}

// JaroWinkler boosts the Jaro similarity for strings sharing a common prefix
// of up to four characters, with the standard scaling factor 0.1.
func JaroWinkler(s1, s2 string) float64 {
	j := Jaro(s1, s2)

	prefix := 0
	for prefix < len(s1) && prefix < len(s2) && prefix < 4 && s1[prefix] == s2[prefix] {
		prefix++
	}
	return j + float64(prefix)*0.1*(1-j)
}
