package domain

import (
	"encoding/json"
	"fmt"
)

// DamageGrade is the ordered damage scale. The numeric value is the ordinal
// used for tie-breaking, blending, and disagreement distances.
type DamageGrade int

const (
	NoDamage DamageGrade = iota
	PossibleDamage
	ModerateDamage
	SevereDamage
	Destroyed
)

// GradeCount is the number of grades on the scale.
const GradeCount = 5

// MaxGrade is the most severe grade.
const MaxGrade = Destroyed

var gradeNames = [GradeCount]string{
	"no-damage",
	"possible-damage",
	"moderate-damage",
	"severe-damage",
	"destroyed",
}

// Grades returns every grade in ascending severity.
func Grades() []DamageGrade {
	return []DamageGrade{NoDamage, PossibleDamage, ModerateDamage, SevereDamage, Destroyed}
}

func (g DamageGrade) String() string {
	if !g.Valid() {
		return fmt.Sprintf("grade(%d)", int(g))
	}
	return gradeNames[g]
}

// Valid reports whether g is one of the five defined grades.
func (g DamageGrade) Valid() bool {
	return g >= NoDamage && g <= Destroyed
}

// Distance returns the absolute number of grade levels between g and other.
func (g DamageGrade) Distance(other DamageGrade) int {
	d := int(g) - int(other)
	if d < 0 {
		return -d
	}
	return d
}

// ClampGrade converts an ordinal to a grade, clamping to the scale bounds.
func ClampGrade(v int) DamageGrade {
	if v < int(NoDamage) {
		return NoDamage
	}
	if v > int(Destroyed) {
		return Destroyed
	}
	return DamageGrade(v)
}

// ParseGrade parses the canonical string form of a grade.
func ParseGrade(s string) (DamageGrade, error) {
	for i, name := range gradeNames {
		if name == s {
			return DamageGrade(i), nil
		}
	}
	return NoDamage, fmt.Errorf("unknown damage grade %q", s)
}

func (g DamageGrade) MarshalJSON() ([]byte, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("marshal damage grade: invalid value %d", int(g))
	}
	return json.Marshal(gradeNames[g])
}

func (g *DamageGrade) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal damage grade: %w", err)
	}
	parsed, err := ParseGrade(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
