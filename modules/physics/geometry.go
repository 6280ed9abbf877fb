package physics

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidGeometry is returned for geometry text that cannot be parsed.
var ErrInvalidGeometry = errors.New("invalid geometry")

// angstromToBohr converts lengths for the nuclear repulsion energy.
const angstromToBohr = 1.0 / 0.529177210903

var atomicNumbers = map[string]int{
	"H": 1, "He": 2, "Li": 3, "Be": 4, "B": 5, "C": 6, "N": 7, "O": 8, "F": 9, "Ne": 10,
}

// AtomicNumber returns the nuclear charge of the atom's element.
func (a Atom) AtomicNumber() (int, error) {
	z, ok := atomicNumbers[a.Element]
	if !ok {
		return 0, fmt.Errorf("%w: unknown element %q", ErrInvalidGeometry, a.Element)
	}
	return z, nil
}

// Distance returns the Euclidean distance to b in Angstroms.
func (a Atom) Distance(b Atom) float64 {
	return math.Sqrt((a.X-b.X)*(a.X-b.X) + (a.Y-b.Y)*(a.Y-b.Y) + (a.Z-b.Z)*(a.Z-b.Z))
}

// ParseGeometry reads atoms from xyz-style text. Entries "El x y z" are
// separated by newlines or ';' and '#' starts a comment. A standard xyz
// header (atom count line followed by a free-form comment line) is accepted
// and its count checked.
func ParseGeometry(text string) ([]Atom, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	want := -1
	if len(lines) > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			want = n
			lines = lines[min(2, len(lines)):]
		}
	}

	var atoms []Atom
	for lineNo, line := range lines {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, entry := range strings.Split(line, ";") {
			fields := strings.Fields(entry)
			if len(fields) == 0 {
				continue
			}
			atom, err := parseAtom(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
			}
			atoms = append(atoms, atom)
		}
	}

	if len(atoms) == 0 {
		return nil, fmt.Errorf("%w: no atoms", ErrInvalidGeometry)
	}
	if want >= 0 && want != len(atoms) {
		return nil, fmt.Errorf("%w: header declares %d atoms, found %d", ErrInvalidGeometry, want, len(atoms))
	}
	return atoms, nil
}

func parseAtom(fields []string) (Atom, error) {
	if len(fields) != 4 {
		return Atom{}, fmt.Errorf("%w: want \"El x y z\", got %q", ErrInvalidGeometry, strings.Join(fields, " "))
	}
	a := Atom{Element: normalizeElement(fields[0])}
	if _, err := a.AtomicNumber(); err != nil {
		return Atom{}, err
	}
	for i, dst := range []*float64{&a.X, &a.Y, &a.Z} {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return Atom{}, fmt.Errorf("%w: coordinate %q", ErrInvalidGeometry, fields[i+1])
		}
		*dst = v
	}
	return a, nil
}

// normalizeElement turns "he" or "HE" into "He".
func normalizeElement(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
