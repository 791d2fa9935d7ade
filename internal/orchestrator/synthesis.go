package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"loom/internal/conflict"
	"loom/internal/logging"
	"loom/internal/workpkg"
)

// Contribution is one completed package offered for synthesis.
type Contribution struct {
	Package    workpkg.WorkPackage
	WorkerType string
}

// Synthesis records one merge of completed results.
type Synthesis struct {
	ID           string             `json:"id"`
	Final        bool               `json:"final"`
	Packages     []string           `json:"packages"`
	Workers      []string           `json:"workers"`
	Merged       []string           `json:"merged"`
	Unresolved   []string           `json:"unresolved,omitempty"`
	Conflicts    int                `json:"conflicts"`
	Outcomes     []conflict.Outcome `json:"outcomes,omitempty"`
	Files        map[string]string  `json:"files,omitempty"`
	Dependencies map[string]string  `json:"dependencies,omitempty"`
	Assignments  map[string]string  `json:"assignments,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Synthesizer merges a batch of contributions. Packages it lists as
// unresolved are held back from later syntheses.
type Synthesizer interface {
	Synthesize(ctx context.Context, batch []Contribution) (Synthesis, error)
}

// ConflictSynthesizer reads the "proposal" each package result carries,
// detects conflicts between workers and resolves them.
type ConflictSynthesizer struct {
	Resolver *conflict.Resolver
}

// Synthesize implements Synthesizer.
func (s ConflictSynthesizer) Synthesize(ctx context.Context, batch []Contribution) (Synthesis, error) {
	var (
		out       Synthesis
		proposals []conflict.Proposal
		byWorker  = map[string][]string{}
	)
	for _, c := range batch {
		byWorker[c.Package.AssignedWorker] = append(byWorker[c.Package.AssignedWorker], c.Package.ID)
		p, ok, err := proposalOf(c)
		if err != nil {
			return Synthesis{}, err
		}
		if ok {
			proposals = append(proposals, p)
		}
	}
	if s.Resolver == nil || len(proposals) < 2 {
		out.Merged = packageIDs(batch)
		return out, nil
	}

	conflicts := s.Resolver.Detect(proposals)
	out.Conflicts = len(conflicts)
	if len(conflicts) == 0 {
		out.Merged = packageIDs(batch)
		return out, nil
	}
	result, err := s.Resolver.Resolve(ctx, conflicts, proposals)
	if err != nil {
		return Synthesis{}, fmt.Errorf("resolve conflicts: %w", err)
	}
	out.Outcomes = result.Outcomes
	out.Files = result.Files
	out.Dependencies = result.Dependencies
	out.Assignments = result.Assignments

	held := map[string]bool{}
	for _, w := range result.UnresolvedWorkers() {
		for _, id := range byWorker[w] {
			held[id] = true
		}
	}
	for _, id := range packageIDs(batch) {
		if held[id] {
			out.Unresolved = append(out.Unresolved, id)
		} else {
			out.Merged = append(out.Merged, id)
		}
	}
	return out, nil
}

func proposalOf(c Contribution) (conflict.Proposal, bool, error) {
	raw, ok := c.Package.Result["proposal"]
	if !ok || raw == nil {
		return conflict.Proposal{}, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return conflict.Proposal{}, false, fmt.Errorf("encode proposal of %s: %w", c.Package.ID, err)
	}
	var p conflict.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		// A malformed proposal contributes nothing rather than failing the batch.
		return conflict.Proposal{}, false, nil
	}
	p.WorkerID = c.Package.AssignedWorker
	p.WorkerType = c.WorkerType
	p.PackageID = c.Package.ID
	if c.Package.CompletedAt != nil {
		p.Sequence = c.Package.CompletedAt.UnixNano()
	}
	return p, !p.Empty(), nil
}

func packageIDs(batch []Contribution) []string {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.Package.ID
	}
	sort.Strings(ids)
	return ids
}

// synthesisBatch returns the completed packages awaiting synthesis. Outside
// the final pass it returns nothing until the threshold is reached by enough
// distinct workers.
func (o *Orchestrator) synthesisBatch(final bool) []Contribution {
	o.mu.Lock()
	defer o.mu.Unlock()
	var batch []Contribution
	workers := map[string]bool{}
	for _, id := range o.order {
		pkg := o.packages[id]
		if pkg.Status != workpkg.StatusCompleted || pkg.Synthesized {
			continue
		}
		if _, held := o.blocked[id]; held {
			continue
		}
		workers[pkg.AssignedWorker] = true
		batch = append(batch, Contribution{Package: pkg.Clone(), WorkerType: o.workerTypeLocked(pkg.AssignedWorker)})
	}
	if final {
		return batch
	}
	if len(batch) < o.opts.SynthesisThreshold || len(workers) < o.opts.SynthesisMinWorkers {
		return nil
	}
	return batch
}

func (o *Orchestrator) workerTypeLocked(id string) string {
	if w, ok := o.pool[id]; ok {
		return w.Type
	}
	if w, ok := o.retired[id]; ok {
		return w.Type
	}
	return ""
}

func (o *Orchestrator) synthesize(ctx context.Context, batch []Contribution, final bool) error {
	if err := o.transition(StateSynthesizing); err != nil {
		return err
	}
	o.logger.Info("synthesis started", logging.Int("packages", len(batch)), logging.Bool("final", final))

	var (
		syn Synthesis
		err error
	)
	if o.deps.Synthesizer != nil {
		syn, err = o.deps.Synthesizer.Synthesize(ctx, batch)
		if err != nil {
			return fmt.Errorf("synthesis: %w", err)
		}
	} else {
		syn.Merged = packageIDs(batch)
	}

	workers := map[string]bool{}
	for _, c := range batch {
		workers[c.Package.AssignedWorker] = true
	}
	o.mu.Lock()
	syn.ID = fmt.Sprintf("synthesis_%d", len(o.syntheses)+1)
	syn.Final = final
	syn.Packages = packageIDs(batch)
	syn.Workers = sortedSet(workers)
	syn.CreatedAt = o.now()
	for _, id := range syn.Merged {
		if pkg, ok := o.packages[id]; ok {
			pkg.Synthesized = true
		}
	}
	for _, id := range syn.Unresolved {
		o.blocked[id] = syn.ID
	}
	o.syntheses = append(o.syntheses, syn)
	o.mu.Unlock()

	if len(syn.Unresolved) > 0 {
		logging.WarnWithContext(o.logger, "conflicts need review", "conflict_unresolved",
			logging.String("synthesis_id", syn.ID),
			logging.Strings("packages", syn.Unresolved),
			logging.String(logging.FieldImpact, "these packages are left out of synthesis"),
			logging.String(logging.FieldErrorHint, "run `loom conflicts stats` to inspect"),
		)
	}
	o.logger.Info("synthesis finished",
		logging.String("synthesis_id", syn.ID),
		logging.Int("merged", len(syn.Merged)),
		logging.Int("conflicts", syn.Conflicts),
	)
	if final {
		return nil
	}
	return o.transition(StateRunning)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
