package oracle

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ptoProject is the part of a Hugin .pto file the oracle reads.
type ptoProject struct {
	images int
	// control point pairs as image indices
	pairs [][2]int
}

func readPTO(path string) (ptoProject, error) {
	f, err := os.Open(path)
	if err != nil {
		return ptoProject{}, err
	}
	defer f.Close()

	var p ptoProject
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "i "):
			p.images++
		case strings.HasPrefix(line, "c "):
			a, b, ok := controlPointPair(line)
			if ok {
				p.pairs = append(p.pairs, [2]int{a, b})
			}
		}
	}
	return p, sc.Err()
}

// controlPointPair extracts n<first> N<second> from a "c" line.
func controlPointPair(line string) (int, int, bool) {
	first, second := -1, -1
	for _, field := range strings.Fields(line)[1:] {
		if len(field) < 2 {
			continue
		}
		switch field[0] {
		case 'n':
			if v, err := strconv.Atoi(field[1:]); err == nil {
				first = v
			}
		case 'N':
			if v, err := strconv.Atoi(field[1:]); err == nil {
				second = v
			}
		}
	}
	return first, second, first >= 0 && second >= 0
}

// unconnectedImages returns the indices of images that control points do not
// link to the largest connected group. An unreadable project yields nil.
func unconnectedImages(ptoFile string) []int {
	p, err := readPTO(ptoFile)
	if err != nil || p.images == 0 {
		return nil
	}

	parent := make([]int, p.images)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, pr := range p.pairs {
		if pr[0] >= p.images || pr[1] >= p.images {
			continue
		}
		ra, rb := find(pr[0]), find(pr[1])
		if ra != rb {
			parent[ra] = rb
		}
	}

	sizes := map[int]int{}
	for i := 0; i < p.images; i++ {
		sizes[find(i)]++
	}
	largest, largestSize := -1, 0
	for root, n := range sizes {
		if n > largestSize || (n == largestSize && root < largest) {
			largest, largestSize = root, n
		}
	}

	var missing []int
	for i := 0; i < p.images; i++ {
		if find(i) != largest {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// countControlPoints counts the control points in a PTO file
func countControlPoints(ptoFile string) int {
	p, err := readPTO(ptoFile)
	if err != nil {
		return 0
	}
	return len(p.pairs)
}

// updatePTOProjection sets the output projection on the p line.
func updatePTOProjection(ptoFile, projection string) error {
	content, err := os.ReadFile(ptoFile)
	if err != nil {
		return err
	}

	projectionMap := map[string]string{
		"cylindrical":   "1",
		"spherical":     "2",
		"planar":        "0",
		"fisheye":       "3",
		"stereographic": "5",
		"mercator":      "6",
	}

	projNum, exists := projectionMap[projection]
	if !exists {
		projNum = "1"
	}

	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "p ") {
			parts := strings.Fields(line)
			for j, part := range parts {
				if strings.HasPrefix(part, "f") {
					parts[j] = "f" + projNum
					break
				}
			}
			lines[i] = strings.Join(parts, " ")
			break
		}
	}

	return os.WriteFile(ptoFile, []byte(strings.Join(lines, "\n")), 0o644)
}
