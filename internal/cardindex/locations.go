package cardindex

import (
	"sort"

	"github.com/starford/cardex/internal/models"
)

// union merges location sets into one sorted set without duplicates.
// The result is never nil.
func union(sets ...[]models.CardLocation) []models.CardLocation {
	seen := make(map[models.CardLocation]struct{})
	out := []models.CardLocation{}
	for _, set := range sets {
		for _, l := range set {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		return a.EndLine < b.EndLine
	})
	return out
}

func withoutPath(ls []models.CardLocation, path string) []models.CardLocation {
	out := []models.CardLocation{}
	for _, l := range ls {
		if l.Path != path {
			out = append(out, l)
		}
	}
	return out
}

func removeExact(ls []models.CardLocation, loc models.CardLocation) ([]models.CardLocation, bool) {
	out := []models.CardLocation{}
	for _, l := range ls {
		if l != loc {
			out = append(out, l)
		}
	}
	return out, len(out) != len(ls)
}

// claims reports whether a record holding ls may speak for loc, that is
// whether loc is in a document the record already knows.
func claims(ls []models.CardLocation, loc models.CardLocation) bool {
	for _, l := range ls {
		if loc.Path == l.Path {
			return true
		}
	}
	return false
}

func sameLocations(a, b []models.CardLocation) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// release drops loc from every record except keep, deleting records left
// without locations. It returns the CIDs of deleted records.
func release(idx models.CardIndex, keep string, loc models.CardLocation) []string {
	var gone []string
	for cid, rec := range idx {
		if cid == keep {
			continue
		}
		ls, changed := removeExact(rec.Locations, loc)
		if !changed {
			continue
		}
		rec.Locations = ls
		if len(ls) == 0 {
			delete(idx, cid)
			gone = append(gone, cid)
		}
	}
	return gone
}
