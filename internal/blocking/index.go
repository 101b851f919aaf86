// Package blocking narrows the comparison universe for an incoming record to
// a bounded, high-recall candidate set of cluster representatives. Full
// pairwise comparison is quadratic in the population; several independent
// cheap keys keep the missed-match rate bounded while the cap keeps the
// comparison volume tractable.
package blocking

import (
	"context"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/phonetic"
	"github.com/mesikahq/patient-index/internal/record"
)

// Index maintains inverted indices from blocking keys to cluster refs.
// Candidates returns a finite, capped sequence; an empty result means "no
// known match" and is never an error.
type Index interface {
	Add(ctx context.Context, rec *record.PatientRecord, ref cluster.Ref) error
	Remove(ctx context.Context, rec *record.PatientRecord, ref cluster.Ref) error
	Candidates(ctx context.Context, rec *record.PatientRecord) ([]cluster.Ref, error)
}

// Keys derives the blocking keys for a record: phonetic code of the family
// name, birth year+month, and the last four digits of each government
// identifier when present. Keys are collision-tolerant on purpose; recall
// matters more than precision here.
func Keys(rec *record.PatientRecord) []string {
	var keys []string

	if code := phonetic.Nysiis(rec.FamilyName); code != "" {
		keys = append(keys, "fn:"+code)
	}
	if !rec.DateOfBirth.IsZero() {
		keys = append(keys, "dob:"+rec.DateOfBirth.Format("2006-01"))
	}
	for _, id := range rec.Identifiers {
		if id.Type == record.IdentifierInsurance {
			continue
		}
		if last4 := lastFourDigits(id.Value); last4 != "" {
			keys = append(keys, "id4:"+last4)
		}
	}
	return keys
}

func lastFourDigits(s string) string {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[len(digits)-4:])
}
