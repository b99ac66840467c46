package tool

import (
	"slices"
	"strings"
)

// StampEntry records the revision of one tool at computation time.
type StampEntry struct {
	Tool     string `json:"tool"`
	ID       string `json:"id"`
	Revision uint64 `json:"revision"`
}

// Stamp is the version snapshot of a tool and all of its ancestors, sorted
// by tool name. A cached result is fresh while its stamp equals the
// current one.
type Stamp []StampEntry

func (s Stamp) Equal(o Stamp) bool {
	return slices.Equal(s, o)
}

// Merge returns the union of stamps. Entries for the same tool are taken
// from the first stamp that has one.
func Merge(stamps ...Stamp) Stamp {
	seen := map[string]bool{}
	var out Stamp
	for _, s := range stamps {
		for _, e := range s {
			if seen[e.Tool] {
				continue
			}
			seen[e.Tool] = true
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b StampEntry) int { return strings.Compare(a.Tool, b.Tool) })
	return out
}
