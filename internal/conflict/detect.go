package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

var (
	typeDecl = regexp.MustCompile(`\b(type|class|struct|interface)\s+\w+`)
	funcDecl = regexp.MustCompile(`\b(func|function|def)\b`)
)

// contradictions are keyword pairs that cannot both hold for one system.
var contradictions = [][2]string{
	{"synchronous", "asynchronous"},
	{"mutable", "immutable"},
	{"client-side", "server-side"},
	{"monolithic", "microservices"},
}

// Detect reports every conflict between the proposals. The result is ordered
// by worker pair, then type, then resource, and does not depend on the order
// of the input.
func Detect(proposals []Proposal) []Conflict {
	return detectAt(proposals, time.Now().UTC())
}

func detectAt(proposals []Proposal, now time.Time) []Conflict {
	byWorker := mergeByWorker(proposals)
	workers := make([]string, 0, len(byWorker))
	for id := range byWorker {
		workers = append(workers, id)
	}
	sort.Strings(workers)

	var out []Conflict
	for i := 0; i < len(workers); i++ {
		for j := i + 1; j < len(workers); j++ {
			a, b := byWorker[workers[i]], byWorker[workers[j]]
			out = append(out, fileConflicts(a, b)...)
			out = append(out, operationConflicts(a, b)...)
			out = append(out, claimConflicts(a, b)...)
			out = append(out, decisionConflicts(a, b)...)
			out = append(out, dependencyConflicts(a, b)...)
		}
	}
	out = append(out, resourceConflicts(workers, byWorker)...)

	sort.SliceStable(out, func(i, j int) bool { return lessConflict(out[i], out[j]) })
	for i := range out {
		out[i].ID = conflictID(out[i])
		out[i].Timestamp = now
		if len(out[i].Workers) == 0 {
			out[i].Workers = []string{out[i].WorkerA, out[i].WorkerB}
		}
	}
	return out
}

// mergeByWorker folds multiple proposals from one worker into one, keeping the
// earliest sequence.
func mergeByWorker(proposals []Proposal) map[string]Proposal {
	out := make(map[string]Proposal, len(proposals))
	for _, p := range proposals {
		id := strings.TrimSpace(p.WorkerID)
		if id == "" {
			continue
		}
		cur, ok := out[id]
		if !ok {
			p.WorkerID = id
			out[id] = p
			continue
		}
		if p.Sequence < cur.Sequence {
			cur.Sequence = p.Sequence
		}
		if cur.WorkerType == "" {
			cur.WorkerType = p.WorkerType
		}
		cur.FileEdits = append(cur.FileEdits, p.FileEdits...)
		cur.Operations = append(cur.Operations, p.Operations...)
		cur.Claims = append(cur.Claims, p.Claims...)
		cur.Decisions = append(cur.Decisions, p.Decisions...)
		cur.Dependencies = append(cur.Dependencies, p.Dependencies...)
		cur.Resources = append(cur.Resources, p.Resources...)
		out[id] = cur
	}
	return out
}

func lessConflict(a, b Conflict) bool {
	if a.WorkerA != b.WorkerA {
		return a.WorkerA < b.WorkerA
	}
	if a.WorkerB != b.WorkerB {
		return a.WorkerB < b.WorkerB
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Resource != b.Resource {
		return a.Resource < b.Resource
	}
	return a.Details.DecisionA+a.Details.DecisionB < b.Details.DecisionA+b.Details.DecisionB
}

func conflictID(c Conflict) string {
	h := sha256.New()
	for _, part := range []string{c.Type.String(), c.Resource, strings.Join(c.Workers, ","), c.WorkerA, c.WorkerB, c.Details.DecisionA, c.Details.DecisionB} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "conflict_" + hex.EncodeToString(h.Sum(nil))[:12]
}

func editsByPath(edits []FileChange) map[string][]FileChange {
	out := map[string][]FileChange{}
	for _, e := range edits {
		path := strings.TrimSpace(e.Path)
		if path == "" {
			continue
		}
		out[path] = append(out[path], e)
	}
	return out
}

func fileConflicts(a, b Proposal) []Conflict {
	pa, pb := editsByPath(a.FileEdits), editsByPath(b.FileEdits)
	var out []Conflict
	for _, path := range sortedKeys(pa) {
		eb, ok := pb[path]
		if !ok {
			continue
		}
		ea := pa[path]
		overlap := rangesOverlap(ea, eb)
		out = append(out, Conflict{
			Type:     FileEdit,
			Severity: fileSeverity(overlap, ea, eb),
			Resource: path,
			WorkerA:  a.WorkerID,
			WorkerB:  b.WorkerID,
			Details:  Details{EditsA: ea, EditsB: eb, Overlap: overlap},
		})
	}
	return out
}

func rangesOverlap(a, b []FileChange) bool {
	for _, x := range a {
		for _, y := range b {
			if x.wholeFile() || y.wholeFile() {
				return true
			}
			if x.StartLine <= lineEnd(y) && y.StartLine <= lineEnd(x) {
				return true
			}
		}
	}
	return false
}

func lineEnd(c FileChange) int {
	if c.EndLine < c.StartLine {
		return c.StartLine
	}
	return c.EndLine
}

func fileSeverity(overlap bool, edits ...[]FileChange) Severity {
	if overlap {
		return SeverityCritical
	}
	var hasFunc bool
	for _, set := range edits {
		for _, e := range set {
			if typeDecl.MatchString(e.Content) {
				return SeverityHigh
			}
			if funcDecl.MatchString(e.Content) {
				hasFunc = true
			}
		}
	}
	if hasFunc {
		return SeverityMedium
	}
	return SeverityLow
}

// firstExclusive returns the earliest exclusive operation per resource.
func firstExclusive(ops []Operation) map[string]Operation {
	out := map[string]Operation{}
	for _, op := range ops {
		name := strings.TrimSpace(op.Resource)
		if !op.Exclusive || name == "" {
			continue
		}
		if cur, ok := out[name]; !ok || op.Sequence < cur.Sequence {
			out[name] = op
		}
	}
	return out
}

func operationConflicts(a, b Proposal) []Conflict {
	oa, ob := firstExclusive(a.Operations), firstExclusive(b.Operations)
	var out []Conflict
	for _, name := range sortedKeys(oa) {
		opB, ok := ob[name]
		if !ok {
			continue
		}
		opA := oa[name]
		out = append(out, Conflict{
			Type:     SequentialOperation,
			Severity: SeverityHigh,
			Resource: name,
			WorkerA:  a.WorkerID,
			WorkerB:  b.WorkerID,
			Details:  Details{OperationA: &opA, OperationB: &opB},
		})
	}
	return out
}

func claimConflicts(a, b Proposal) []Conflict {
	claimed := map[string]bool{}
	for _, id := range a.Claims {
		claimed[strings.TrimSpace(id)] = true
	}
	seen := map[string]bool{}
	var out []Conflict
	for _, id := range b.Claims {
		id = strings.TrimSpace(id)
		if id == "" || !claimed[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Conflict{
			Type:     TaskAssignment,
			Severity: SeverityHigh,
			Resource: id,
			WorkerA:  a.WorkerID,
			WorkerB:  b.WorkerID,
		})
	}
	return out
}

func decisionConflicts(a, b Proposal) []Conflict {
	var out []Conflict
	for _, da := range a.Decisions {
		wa := words(da)
		for _, db := range b.Decisions {
			pair, ok := contradiction(wa, words(db))
			if !ok {
				continue
			}
			out = append(out, Conflict{
				Type:     LogicContradiction,
				Severity: SeverityHigh,
				Resource: pair[0] + "/" + pair[1],
				WorkerA:  a.WorkerID,
				WorkerB:  b.WorkerID,
				Details:  Details{DecisionA: da, DecisionB: db, Keywords: []string{pair[0], pair[1]}},
			})
		}
	}
	return out
}

// words splits a decision into lower-case tokens. Hyphens stay inside tokens
// so "client-side" is one word.
func words(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		out[w] = true
	}
	return out
}

func contradiction(a, b map[string]bool) ([2]string, bool) {
	for _, pair := range contradictions {
		if (a[pair[0]] && b[pair[1]]) || (a[pair[1]] && b[pair[0]]) {
			return pair, true
		}
	}
	return [2]string{}, false
}

func dependencyConflicts(a, b Proposal) []Conflict {
	va, vb := latestPins(a.Dependencies), latestPins(b.Dependencies)
	var out []Conflict
	for _, name := range sortedKeys(va) {
		other, ok := vb[name]
		if !ok || normalizeVersion(other) == normalizeVersion(va[name]) {
			continue
		}
		out = append(out, Conflict{
			Type:     DependencyVersion,
			Severity: SeverityHigh,
			Resource: name,
			WorkerA:  a.WorkerID,
			WorkerB:  b.WorkerID,
			Details:  Details{Versions: map[string]string{a.WorkerID: va[name], b.WorkerID: other}},
		})
	}
	return out
}

func latestPins(deps []DependencyChange) map[string]string {
	out := map[string]string{}
	for _, d := range deps {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		out[name] = strings.TrimSpace(d.Version)
	}
	return out
}

// resourceConflicts groups declared resource use across all workers. Two
// users produce a pairwise access or contention conflict; more than two
// produce a single contention conflict naming everyone.
func resourceConflicts(workers []string, byWorker map[string]Proposal) []Conflict {
	type user struct {
		id  string
		use ResourceUse
	}
	users := map[string][]user{}
	for _, id := range workers {
		seen := map[string]bool{}
		for _, use := range byWorker[id].Resources {
			name := strings.TrimSpace(use.Name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			users[name] = append(users[name], user{id: id, use: use})
		}
	}

	var out []Conflict
	for _, name := range sortedKeys(users) {
		list := users[name]
		if len(list) < 2 {
			continue
		}
		ids := make([]string, len(list))
		concurrent, exclusive := true, false
		for i, u := range list {
			ids[i] = u.id
			concurrent = concurrent && u.use.ConcurrentAllowed
			exclusive = exclusive || u.use.Exclusive
		}
		c := Conflict{
			Resource: name,
			WorkerA:  ids[0],
			WorkerB:  ids[1],
			Workers:  ids,
			Details:  Details{ConcurrentAllowed: concurrent},
		}
		switch {
		case len(list) > 2:
			c.Type, c.Severity = ResourceContention, SeverityHigh
		case exclusive:
			c.Type, c.Severity = ResourceAccess, SeverityMedium
		case !concurrent:
			c.Type, c.Severity = ResourceContention, SeverityMedium
		default:
			continue
		}
		out = append(out, c)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
