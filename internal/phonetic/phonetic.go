// Package phonetic provides the phonetic codes shared by the blocking index
// and the phonetic comparator strategy.
package phonetic

import "strings"

var soundexCodes = map[byte]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the four-character American Soundex code for s, or ""
// for input with no leading letter.
func Soundex(s string) string {
	s = toLetters(s)
	if s == "" {
		return ""
	}

	result := string(s[0])
	prevCode := soundexCodes[s[0]]
	for i := 1; i < len(s) && len(result) < 4; i++ {
		code, ok := soundexCodes[s[i]]
		if !ok {
			// Vowels reset the run; H and W do not.
			if s[i] != 'H' && s[i] != 'W' {
				prevCode = 0
			}
			continue
		}
		if code != prevCode {
			result += string(code)
			prevCode = code
		}
	}

	for len(result) < 4 {
		result += "0"
	}
	return result
}

// Nysiis returns the NYSIIS code for s, truncated to six characters. NYSIIS
// separates more surname pairs than Soundex and is the default blocking key
// for family names.
func Nysiis(s string) string {
	s = toLetters(s)
	if s == "" {
		return ""
	}

	// Leading transforms.
	switch {
	case strings.HasPrefix(s, "MAC"):
		s = "MCC" + s[3:]
	case strings.HasPrefix(s, "KN"):
		s = "NN" + s[2:]
	case strings.HasPrefix(s, "K"):
		s = "C" + s[1:]
	case strings.HasPrefix(s, "PH"), strings.HasPrefix(s, "PF"):
		s = "FF" + s[2:]
	case strings.HasPrefix(s, "SCH"):
		s = "SSS" + s[3:]
	}

	// Trailing transforms.
	switch {
	case strings.HasSuffix(s, "EE"), strings.HasSuffix(s, "IE"):
		s = s[:len(s)-2] + "Y"
	case strings.HasSuffix(s, "DT"), strings.HasSuffix(s, "RT"),
		strings.HasSuffix(s, "RD"), strings.HasSuffix(s, "NT"),
		strings.HasSuffix(s, "ND"):
		s = s[:len(s)-2] + "D"
	}

	key := []byte{s[0]}
	for i := 1; i < len(s); i++ {
		var repl string
		switch {
		case i+1 < len(s) && s[i] == 'E' && s[i+1] == 'V':
			repl = "AF"
			i++
		case isVowel(s[i]):
			repl = "A"
		case s[i] == 'Q':
			repl = "G"
		case s[i] == 'Z':
			repl = "S"
		case s[i] == 'M':
			repl = "N"
		case i+1 < len(s) && s[i] == 'K' && s[i+1] == 'N':
			repl = "N"
			i++
		case s[i] == 'K':
			repl = "C"
		case i+2 < len(s) && s[i] == 'S' && s[i+1] == 'C' && s[i+2] == 'H':
			repl = "SSS"
			i += 2
		case i+1 < len(s) && s[i] == 'P' && s[i+1] == 'H':
			repl = "FF"
			i++
		case s[i] == 'H' && (!isVowel(s[i-1]) || i+1 >= len(s) || !isVowel(s[i+1])):
			repl = string(s[i-1])
		case s[i] == 'W' && isVowel(s[i-1]):
			repl = string(s[i-1])
		default:
			repl = string(s[i])
		}
		for j := 0; j < len(repl); j++ {
			if key[len(key)-1] != repl[j] {
				key = append(key, repl[j])
			}
		}
	}

	// Trailing cleanup: drop S, collapse AY to Y, drop A.
	if len(key) > 1 && key[len(key)-1] == 'S' {
		key = key[:len(key)-1]
	}
	if len(key) > 2 && key[len(key)-2] == 'A' && key[len(key)-1] == 'Y' {
		key = append(key[:len(key)-2], 'Y')
	}
	if len(key) > 1 && key[len(key)-1] == 'A' {
		key = key[:len(key)-1]
	}

	if len(key) > 6 {
		key = key[:6]
	}
	return string(key)
}

func isVowel(c byte) bool {
	switch c {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

func toLetters(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if r >= 'A' && r <= 'Z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
