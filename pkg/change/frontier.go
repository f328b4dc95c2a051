package change

import (
	"sort"
	"strconv"
	"strings"
)

// Frontier is the set of changes a replica knows about, expressed as the highest contiguous sequence number seen per
// actor. Because every record depends on its actor's previous record, {a: 3} means a@1, a@2 and a@3.
type Frontier map[string]uint64

func NewFrontier() Frontier {
	return make(Frontier)
}

func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for a, s := range f {
		out[a] = s
	}
	return out
}

func (f Frontier) Covers(id ID) bool {
	return f[id.Actor] >= id.Seq
}

// CoversAll reports whether f includes everything in other.
func (f Frontier) CoversAll(other Frontier) bool {
	for a, s := range other {
		if f[a] < s {
			return false
		}
	}
	return true
}

// Observe advances the frontier to include id.
func (f Frontier) Observe(id ID) {
	if f[id.Actor] < id.Seq {
		f[id.Actor] = id.Seq
	}
}

// Merge advances f to include everything in other.
func (f Frontier) Merge(other Frontier) {
	for a, s := range other {
		if f[a] < s {
			f[a] = s
		}
	}
}

// Len is the number of changes the frontier covers.
func (f Frontier) Len() uint64 {
	var n uint64
	for _, s := range f {
		n += s
	}
	return n
}

func (f Frontier) Equal(other Frontier) bool {
	return f.CoversAll(other) && other.CoversAll(f)
}

func (f Frontier) Actors() []string {
	out := make([]string, 0, len(f))
	for a, s := range f {
		if s > 0 {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func (f Frontier) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, a := range f.Actors() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(a)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(f[a], 10))
	}
	sb.WriteByte('}')
	return sb.String()
}

// DiffFrontiers compares two replicas. needFromRemote holds, per actor, the highest sequence the remote has beyond
// what local has; haveForRemote is the mirror image. Actors with nothing missing are omitted from both.
func DiffFrontiers(local, remote Frontier) (needFromRemote, haveForRemote Frontier) {
	needFromRemote, haveForRemote = NewFrontier(), NewFrontier()
	for a, s := range remote {
		if s > local[a] {
			needFromRemote[a] = s
		}
	}
	for a, s := range local {
		if s > remote[a] {
			haveForRemote[a] = s
		}
	}
	return needFromRemote, haveForRemote
}
