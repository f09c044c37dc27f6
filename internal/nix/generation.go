package nix

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentMarker flags the active generation in `nix-env --list-generations`.
const CurrentMarker = "(current)"

// Generation is one entry of a profile's build history.
type Generation struct {
	ID      int    `json:"generation_id"`
	Date    string `json:"date"`
	Label   string `json:"label"`
	Current bool   `json:"current"`
}

// ParseGeneration parses one line of generation listing output. Fields are
// whitespace tokens: <id> <date> <label> [... (current)]. The marker is
// recognised as the final token so that a line with a time column and a line
// without one are both classified correctly.
func ParseGeneration(line string) (Generation, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Generation{}, fmt.Errorf("malformed generation line %q", line)
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return Generation{}, fmt.Errorf("malformed generation id in %q: %w", line, err)
	}

	gen := Generation{
		ID:      id,
		Date:    fields[1],
		Current: fields[len(fields)-1] == CurrentMarker,
	}
	if len(fields) > 2 {
		gen.Label = fields[2]
	}
	return gen, nil
}

// ParseGenerations parses full listing output, ignoring blank lines.
func ParseGenerations(output string) ([]Generation, error) {
	var generations []Generation
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		gen, err := ParseGeneration(line)
		if err != nil {
			return nil, err
		}
		generations = append(generations, gen)
	}
	return generations, nil
}
