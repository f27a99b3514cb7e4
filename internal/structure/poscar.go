package structure

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadPOSCAR parses a VASP 5 POSCAR with a species line. Selective dynamics
// flags are accepted and ignored. Cartesian coordinates are converted to
// fractional ones.
func ReadPOSCAR(r io.Reader) (Structure, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Structure{}, err
	}
	if len(lines) < 8 {
		return Structure{}, fmt.Errorf("poscar: truncated header")
	}

	scale, err := strconv.ParseFloat(strings.TrimSpace(firstField(lines[1])), 64)
	if err != nil {
		return Structure{}, fmt.Errorf("poscar: scale: %w", err)
	}
	if scale <= 0 {
		return Structure{}, fmt.Errorf("poscar: volume-style scale factors are not supported")
	}

	var lattice Lattice
	for i := 0; i < 3; i++ {
		v, err := parseVec(lines[2+i])
		if err != nil {
			return Structure{}, fmt.Errorf("poscar: lattice vector %d: %w", i+1, err)
		}
		for k := 0; k < 3; k++ {
			lattice[i][k] = v[k] * scale
		}
	}

	names := strings.Fields(lines[5])
	countFields := strings.Fields(lines[6])
	if len(names) == 0 || len(names) != len(countFields) {
		return Structure{}, fmt.Errorf("poscar: species line %q does not match counts %q", lines[5], lines[6])
	}
	var species []string
	for i, field := range countFields {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return Structure{}, fmt.Errorf("poscar: invalid count %q", field)
		}
		for j := 0; j < n; j++ {
			species = append(species, names[i])
		}
	}

	next := 7
	mode := strings.ToLower(strings.TrimSpace(lines[next]))
	if strings.HasPrefix(mode, "s") {
		next++
		if next >= len(lines) {
			return Structure{}, fmt.Errorf("poscar: missing coordinate mode")
		}
		mode = strings.ToLower(strings.TrimSpace(lines[next]))
	}
	cartesian := strings.HasPrefix(mode, "c") || strings.HasPrefix(mode, "k")
	next++

	if len(lines) < next+len(species) {
		return Structure{}, fmt.Errorf("poscar: expected %d coordinates", len(species))
	}
	coords := make([]Vec3, len(species))
	for i := range species {
		v, err := parseVec(lines[next+i])
		if err != nil {
			return Structure{}, fmt.Errorf("poscar: atom %d: %w", i+1, err)
		}
		if cartesian {
			for k := 0; k < 3; k++ {
				v[k] *= scale
			}
		}
		coords[i] = v
	}
	if cartesian {
		coords, err = lattice.ToFractional(coords)
		if err != nil {
			return Structure{}, err
		}
	}
	return New(lattice, species, coords, FullyPeriodic)
}

// WritePOSCAR writes s in direct coordinates, grouping atoms by species in
// first-appearance order.
func WritePOSCAR(w io.Writer, s Structure, comment string) error {
	if comment == "" {
		comment = s.Composition().String()
	}
	order := make([]string, 0, 4)
	groups := map[string][]int{}
	for i, sp := range s.species {
		if _, ok := groups[sp]; !ok {
			order = append(order, sp)
		}
		groups[sp] = append(groups[sp], i)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, strings.ReplaceAll(comment, "\n", " "))
	fmt.Fprintln(bw, "1.0")
	for _, row := range s.lattice {
		fmt.Fprintf(bw, "  %.10f  %.10f  %.10f\n", row[0], row[1], row[2])
	}
	counts := make([]string, len(order))
	for i, sp := range order {
		counts[i] = strconv.Itoa(len(groups[sp]))
	}
	fmt.Fprintln(bw, "  "+strings.Join(order, "  "))
	fmt.Fprintln(bw, "  "+strings.Join(counts, "  "))
	fmt.Fprintln(bw, "Direct")
	for _, sp := range order {
		for _, i := range groups[sp] {
			f := s.frac[i]
			fmt.Fprintf(bw, "  %.10f  %.10f  %.10f\n", f[0], f[1], f[2])
		}
	}
	return bw.Flush()
}

func parseVec(line string) (Vec3, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Vec3{}, fmt.Errorf("expected 3 numbers in %q", line)
	}
	var v Vec3
	for k := 0; k < 3; k++ {
		x, err := strconv.ParseFloat(fields[k], 64)
		if err != nil {
			return Vec3{}, err
		}
		v[k] = x
	}
	return v, nil
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
