package diverge

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// SitePolarity is the novelty key of the search: a branch site together
// with one of its two outcomes.
type SitePolarity struct {
	Site    SiteID
	Outcome bool
}

// String returns the string representation of the pair.
func (p SitePolarity) String() string {
	return fmt.Sprintf("%d/%v", p.Site, p.Outcome)
}

// SiteStatus is the resolution state of a site/polarity pair.
type SiteStatus int

const (
	// StatusTaken means a concrete execution has gone through the pair.
	StatusTaken SiteStatus = iota + 1

	// StatusInfeasible means the solver proved no input reaches the
	// pair along any queried path. Permanent.
	StatusInfeasible
)

// String returns the string representation of the status.
func (s SiteStatus) String() string {
	switch s {
	case StatusTaken:
		return "taken"
	case StatusInfeasible:
		return "infeasible"
	default:
		return fmt.Sprintf("SiteStatus<%d>", int(s))
	}
}

// VisitedSet tracks which site/polarity pairs the search has already
// covered or proven unreachable, and merges branch sites into equivalence
// classes: sites whose outcomes are always decided together (same guard
// duplicated by the front-end) collapse to one representative, so
// resolving one resolves all.
//
// All methods are safe for concurrent use; the directed search's worker
// pool funnels merges through a single writer, but reads happen from any
// worker.
type VisitedSet struct {
	mu       sync.Mutex
	resolved map[SitePolarity]SiteStatus
	parent   map[SiteID]SiteID
	rank     map[SiteID]int
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{
		resolved: make(map[SitePolarity]SiteStatus),
		parent:   make(map[SiteID]SiteID),
		rank:     make(map[SiteID]int),
	}
}

// find returns the class representative for site, path-compressing as it
// goes. Caller must hold mu.
func (v *VisitedSet) find(site SiteID) SiteID {
	p, ok := v.parent[site]
	if !ok || p == site {
		return site
	}
	root := v.find(p)
	v.parent[site] = root
	return root
}

// Find returns the equivalence class representative for site.
func (v *VisitedSet) Find(site SiteID) SiteID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.find(site)
}

// Union merges the equivalence classes of a & b. Resolutions recorded
// against either class carry over to the merged class.
func (v *VisitedSet) Union(a, b SiteID) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ra, rb := v.find(a), v.find(b)
	if ra == rb {
		return
	}
	if v.rank[ra] < v.rank[rb] {
		ra, rb = rb, ra
	}
	v.parent[rb] = ra
	if _, ok := v.parent[ra]; !ok {
		v.parent[ra] = ra
	}
	if v.rank[ra] == v.rank[rb] {
		v.rank[ra]++
	}

	// Fold rb's resolutions into ra. Taken never downgrades.
	for _, outcome := range []bool{false, true} {
		from := SitePolarity{Site: rb, Outcome: outcome}
		if st, ok := v.resolved[from]; ok {
			v.mergeStatus(SitePolarity{Site: ra, Outcome: outcome}, st)
			delete(v.resolved, from)
		}
	}
}

// mergeStatus records st for key unless a stronger status is present.
// Caller must hold mu.
func (v *VisitedSet) mergeStatus(key SitePolarity, st SiteStatus) {
	if cur, ok := v.resolved[key]; ok && cur == StatusTaken {
		return
	}
	v.resolved[key] = st
}

// Resolve records a status for the pair's equivalence class. A pair once
// taken stays taken; infeasible never overrides taken.
func (v *VisitedSet) Resolve(p SitePolarity, st SiteStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mergeStatus(SitePolarity{Site: v.find(p.Site), Outcome: p.Outcome}, st)
}

// Resolved returns the recorded status for the pair's class, if any.
func (v *VisitedSet) Resolved(p SitePolarity) (SiteStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.resolved[SitePolarity{Site: v.find(p.Site), Outcome: p.Outcome}]
	return st, ok
}

// Novel returns true if the pair's class has no recorded resolution and
// is therefore a candidate for a divergence query.
func (v *VisitedSet) Novel(p SitePolarity) bool {
	_, ok := v.Resolved(p)
	return !ok
}

// Len returns the number of resolved site/polarity pairs.
func (v *VisitedSet) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.resolved)
}

// visitedFile is the persistence schema. Class structure is flattened to
// root assignments so load order does not matter.
type visitedFile struct {
	Resolved []visitedEntry    `msgpack:"resolved"`
	Classes  map[SiteID]SiteID `msgpack:"classes"`
}

type visitedEntry struct {
	Site    SiteID     `msgpack:"site"`
	Outcome bool       `msgpack:"outcome"`
	Status  SiteStatus `msgpack:"status"`
}

// Save writes the set to path, atomically via a temp file rename.
func (v *VisitedSet) Save(path string) error {
	v.mu.Lock()
	f := visitedFile{Classes: make(map[SiteID]SiteID, len(v.parent))}
	for site := range v.parent {
		f.Classes[site] = v.find(site)
	}
	for key, st := range v.resolved {
		f.Resolved = append(f.Resolved, visitedEntry{Site: key.Site, Outcome: key.Outcome, Status: st})
	}
	v.mu.Unlock()

	sort.Slice(f.Resolved, func(i, j int) bool {
		if f.Resolved[i].Site != f.Resolved[j].Site {
			return f.Resolved[i].Site < f.Resolved[j].Site
		}
		return !f.Resolved[i].Outcome && f.Resolved[j].Outcome
	})

	buf, err := msgpack.Marshal(&f)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0666); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadVisitedSet reads a set previously written by Save. A missing file
// yields an empty set so a first invocation needs no special casing.
func LoadVisitedSet(path string) (*VisitedSet, error) {
	v := NewVisitedSet()

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	} else if err != nil {
		return nil, err
	}

	var f visitedFile
	if err := msgpack.Unmarshal(buf, &f); err != nil {
		return nil, fmt.Errorf("visited set %s: %w", path, err)
	}

	for site, root := range f.Classes {
		v.Union(site, root)
	}
	for _, e := range f.Resolved {
		v.Resolve(SitePolarity{Site: e.Site, Outcome: e.Outcome}, e.Status)
	}
	return v, nil
}
