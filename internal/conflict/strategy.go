package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Strategy settles one conflict type.
type Strategy interface {
	Name() StrategyName
	Apply(ctx context.Context, s *session, c Conflict) (Outcome, error)
}

var strategies = [numTypes]Strategy{
	FileEdit:            fileEditStrategy{},
	SequentialOperation: sequentialStrategy{},
	TaskAssignment:      firstClaimStrategy{},
	ResourceAccess:      resourceAccessStrategy{},
	ResourceContention:  contentionStrategy{},
	LogicContradiction:  synthesisStrategy{},
	DependencyVersion:   latestVersionStrategy{},
}

// StrategyFor returns the strategy registered for t, or nil for an unknown type.
func StrategyFor(t Type) Strategy {
	switch t {
	case FileEdit, SequentialOperation, TaskAssignment, ResourceAccess,
		ResourceContention, LogicContradiction, DependencyVersion:
		return strategies[t]
	default:
		return nil
	}
}

// session carries the state of one Resolve pass.
type session struct {
	resolver  *Resolver
	proposals map[string]Proposal
	files     map[string]*fileMerge
	rejected  map[string]map[string]bool
	queued    map[string][]QueuedOperation
	result    Result
}

func (s *session) apply(ctx context.Context, c Conflict) (Outcome, error) {
	strategy := StrategyFor(c.Type)
	if strategy == nil {
		return Outcome{}, fmt.Errorf("no strategy for conflict type %s", c.Type)
	}
	outcome, err := strategy.Apply(ctx, s, c)
	if outcome.Strategy == "" {
		outcome.Strategy = strategy.Name()
	}
	return outcome, err
}

func (s *session) sequence(worker string) int64 {
	return s.proposals[worker].Sequence
}

// earlier reports whether worker a claimed before b, breaking ties by id.
func (s *session) earlier(a, b string) bool {
	sa, sb := s.sequence(a), s.sequence(b)
	if sa != sb {
		return sa < sb
	}
	return a < b
}

func (s *session) queue(worker string, op QueuedOperation) {
	s.queued[worker] = append(s.queued[worker], op)
}

// fileMerge accumulates the non-overlapping edits merged for one path.
type fileMerge struct {
	edits map[string][]FileChange
}

func (s *session) fileFor(path string) *fileMerge {
	fm, ok := s.files[path]
	if !ok {
		fm = &fileMerge{edits: map[string][]FileChange{}}
		s.files[path] = fm
	}
	return fm
}

// mergeFile adds worker's edits to path unless expert selection already
// rejected them.
func (s *session) mergeFile(path string, worker string, edits []FileChange) {
	fm := s.fileFor(path)
	if s.rejected[path][worker] {
		return
	}
	if _, seen := fm.edits[worker]; !seen {
		fm.edits[worker] = edits
	}
}

// reject drops worker's edits to path for the rest of the pass.
func (s *session) reject(path, worker string) {
	if s.rejected[path] == nil {
		s.rejected[path] = map[string]bool{}
	}
	s.rejected[path][worker] = true
	if fm, ok := s.files[path]; ok {
		delete(fm.edits, worker)
	}
}

func (fm *fileMerge) content() string {
	type placed struct {
		worker string
		edit   FileChange
	}
	var all []placed
	for worker, edits := range fm.edits {
		for _, e := range edits {
			all = append(all, placed{worker: worker, edit: e})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].edit.StartLine != all[j].edit.StartLine {
			return all[i].edit.StartLine < all[j].edit.StartLine
		}
		return all[i].worker < all[j].worker
	})
	parts := make([]string, len(all))
	for i, p := range all {
		parts[i] = p.edit.Content
	}
	return strings.Join(parts, "\n")
}

type fileEditStrategy struct{}

func (fileEditStrategy) Name() StrategyName { return StrategyMerge }

func (fileEditStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	if !c.Details.Overlap {
		s.mergeFile(c.Resource, c.WorkerA, c.Details.EditsA)
		s.mergeFile(c.Resource, c.WorkerB, c.Details.EditsB)
		return Outcome{
			Strategy: StrategyMerge,
			Order:    []string{c.WorkerA, c.WorkerB},
			Content:  s.files[c.Resource].content(),
		}, nil
	}

	winner, loser, edits := c.WorkerA, c.WorkerB, c.Details.EditsA
	if s.rejected[c.Resource][c.WorkerA] ||
		(!isExpert(s.proposals[c.WorkerA]) && isExpert(s.proposals[c.WorkerB]) && !s.rejected[c.Resource][c.WorkerB]) {
		winner, loser, edits = c.WorkerB, c.WorkerA, c.Details.EditsB
	}
	s.reject(c.Resource, loser)
	s.mergeFile(c.Resource, winner, edits)
	content := s.files[c.Resource].content()
	return Outcome{
		Strategy:       StrategyExpertSelection,
		Winner:         winner,
		Content:        content,
		Note:           "overlapping edits; selected " + winner + " pending review",
		RequiresReview: true,
	}, nil
}

func isExpert(p Proposal) bool {
	return strings.Contains(strings.ToLower(p.WorkerID), "developer") ||
		strings.Contains(strings.ToLower(p.WorkerType), "developer")
}

type sequentialStrategy struct{}

func (sequentialStrategy) Name() StrategyName { return StrategyQueue }

func (sequentialStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	opA, opB := c.Details.OperationA, c.Details.OperationB
	if opA == nil || opB == nil {
		return Outcome{}, fmt.Errorf("sequential conflict %s is missing its operations", c.ID)
	}
	first, second, deferred := c.WorkerA, c.WorkerB, *opB
	if opB.Sequence < opA.Sequence {
		first, second, deferred = c.WorkerB, c.WorkerA, *opA
	}
	s.queue(second, QueuedOperation{
		Type:       SequentialOperation.String(),
		Resource:   c.Resource,
		Command:    deferred.Command,
		ConflictID: c.ID,
		After:      first,
	})
	return Outcome{Strategy: StrategyQueue, Winner: first, Order: []string{first, second}}, nil
}

type firstClaimStrategy struct{}

func (firstClaimStrategy) Name() StrategyName { return StrategyFirstWins }

func (firstClaimStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	winner, loser := c.WorkerA, c.WorkerB
	if s.earlier(c.WorkerB, c.WorkerA) {
		winner, loser = c.WorkerB, c.WorkerA
	}
	if cur, ok := s.result.Assignments[c.Resource]; ok && s.earlier(cur, winner) {
		winner = cur
	}
	s.result.Assignments[c.Resource] = winner
	return Outcome{Strategy: StrategyFirstWins, Winner: winner, Order: []string{winner, loser}}, nil
}

type resourceAccessStrategy struct{}

func (resourceAccessStrategy) Name() StrategyName { return StrategyFirstWins }

func (resourceAccessStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	if c.Details.ConcurrentAllowed {
		return Outcome{Strategy: StrategyMerge, Order: []string{c.WorkerA, c.WorkerB}, Note: "resource allows concurrent access"}, nil
	}
	winner, loser := c.WorkerA, c.WorkerB
	if s.earlier(c.WorkerB, c.WorkerA) {
		winner, loser = c.WorkerB, c.WorkerA
	}
	return Outcome{Strategy: StrategyFirstWins, Winner: winner, Order: []string{winner, loser}}, nil
}

type contentionStrategy struct{}

func (contentionStrategy) Name() StrategyName { return StrategyQueue }

func (contentionStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	order := append([]string(nil), c.Workers...)
	if len(order) == 0 {
		order = []string{c.WorkerA, c.WorkerB}
	}
	sort.Strings(order)
	for i, worker := range order[1:] {
		s.queue(worker, QueuedOperation{
			Type:       ResourceContention.String(),
			Resource:   c.Resource,
			ConflictID: c.ID,
			After:      order[i],
			Position:   i + 1,
		})
	}
	return Outcome{Strategy: StrategyQueue, Winner: order[0], Order: order}, nil
}

type synthesisStrategy struct{}

func (synthesisStrategy) Name() StrategyName { return StrategySynthesisRequired }

func (synthesisStrategy) Apply(_ context.Context, _ *session, c Conflict) (Outcome, error) {
	out := Outcome{
		Strategy:       StrategySynthesisRequired,
		Order:          []string{c.WorkerA, c.WorkerB},
		Note:           "reconcile contradictory decisions: " + strings.Join(c.Details.Keywords, " vs "),
		RequiresReview: true,
	}
	both := strings.ToLower(c.Details.DecisionA + " " + c.Details.DecisionB)
	if strings.Contains(both, "performance") && strings.Contains(both, "readability") {
		out.Note += "; balance performance and readability"
	}
	return out, nil
}

type latestVersionStrategy struct{}

func (latestVersionStrategy) Name() StrategyName { return StrategyLatestCompatible }

func (latestVersionStrategy) Apply(_ context.Context, s *session, c Conflict) (Outcome, error) {
	if len(c.Details.Versions) == 0 {
		return Outcome{}, fmt.Errorf("dependency conflict %s has no versions", c.ID)
	}
	workers := sortedKeys(c.Details.Versions)
	versions := make([]string, 0, len(workers)+1)
	for _, w := range workers {
		versions = append(versions, c.Details.Versions[w])
	}
	if cur, ok := s.result.Dependencies[c.Resource]; ok {
		versions = append(versions, cur)
	}
	selected := latestVersion(versions)
	s.result.Dependencies[c.Resource] = selected

	var winner string
	for _, w := range workers {
		if c.Details.Versions[w] == selected {
			winner = w
			break
		}
	}
	return Outcome{Strategy: StrategyLatestCompatible, Selected: selected, Winner: winner, Order: workers}, nil
}
