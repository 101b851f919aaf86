package phonetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSoundex(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Smith", "S530"},
		{"Smyth", "S530"},
		{"Ashcraft", "A261"},
		{"Tymczak", "T522"},
		{"Pfister", "P236"},
		{"Lee", "L000"},
		{"", ""},
		{"123", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Soundex(tt.in), "soundex(%q)", tt.in)
	}
}

func TestSoundexCaseInsensitive(t *testing.T) {
	assert.Equal(t, Soundex("GARCIA"), Soundex("garcia"))
	assert.Equal(t, Soundex("O'Brien"), Soundex("OBrien"))
}

func TestNysiis(t *testing.T) {
	// Variant spellings of the same surname share a code.
	assert.Equal(t, Nysiis("MacDonald"), Nysiis("McDonald"))
	assert.Equal(t, Nysiis("Knight"), Nysiis("Night"))
	assert.NotEqual(t, Nysiis("Smith"), Nysiis("Garcia"))
	assert.Equal(t, "", Nysiis(""))
}

func TestNysiisBounded(t *testing.T) {
	assert.LessOrEqual(t, len(Nysiis("Wolfeschlegelsteinhausen")), 6)
}
