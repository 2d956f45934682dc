package dns

import (
	"sort"
)

// Diff is the plan to move a set of remote records to a desired set.
type Diff struct {
	Add    []Record    `json:"add"`
	Remove []string    `json:"remove"`
	Update []RawRecord `json:"update"`
}

func (d Diff) Empty() bool {
	return d.Len() == 0
}

func (d Diff) Len() int {
	return len(d.Add) + len(d.Remove) + len(d.Update)
}

// Compute the records to add, remove, and update to turn old into desired.
// When scope is set, only old records within that subdomain are removed.
// Other zone entries are never touched.
//
// Compute is pure. The output is sorted, so it does not depend on the order of
// either input. Duplicate keys in desired resolve to the last value.
func Compute(old []RawRecord, desired []Record, scope string) Diff {
	want := make(map[Key]Record, len(desired))
	for _, r := range desired {
		want[r.Key()] = r
	}

	// Remote zones can drift into holding several records for one key. Keep
	// the best match and treat the rest as orphans.
	have := make(map[Key]RawRecord, len(old))
	var orphans []RawRecord
	for _, r := range old {
		k := r.Key()
		cur, exist := have[k]
		if !exist {
			have[k] = r
			continue
		}
		if preferred(r, cur, want[k]) {
			have[k] = r
			orphans = append(orphans, cur)
			continue
		}
		orphans = append(orphans, r)
	}

	var diff Diff
	for k, w := range want {
		h, exist := have[k]
		if !exist {
			diff.Add = append(diff.Add, w)
			continue
		}
		if h.Value == w.Value && h.TTL == w.TTL {
			continue
		}
		h.Value = w.Value
		h.TTL = w.TTL
		diff.Update = append(diff.Update, h)
	}
	for k, h := range have {
		if _, exist := want[k]; exist {
			continue
		}
		if InScope(h.SubDomain, scope) {
			diff.Remove = append(diff.Remove, h.ID)
		}
	}
	for _, o := range orphans {
		if InScope(o.SubDomain, scope) {
			diff.Remove = append(diff.Remove, o.ID)
		}
	}

	sort.Slice(diff.Add, func(i, j int) bool {
		return diff.Add[i].Key().less(diff.Add[j].Key())
	})
	sort.Slice(diff.Update, func(i, j int) bool {
		return diff.Update[i].Key().less(diff.Update[j].Key())
	})
	sort.Strings(diff.Remove)
	return diff
}

// preferred reports whether candidate should represent its key over cur. A
// record already matching the desired state wins, then the lowest ID.
func preferred(candidate, cur RawRecord, want Record) bool {
	candMatch := candidate.Value == want.Value && candidate.TTL == want.TTL
	curMatch := cur.Value == want.Value && cur.TTL == want.TTL
	if candMatch != curMatch {
		return candMatch
	}
	return candidate.ID < cur.ID
}
