package converge

import (
	"encoding/json"
	"reflect"
	"time"

	"golang.org/x/exp/slices"

	jsonpatch "github.com/evanphx/json-patch"
)

type ResolutionStrategy string

const (
	StrategyLastWriterWins       ResolutionStrategy = "last-writer-wins"
	StrategyFirstWriterWins      ResolutionStrategy = "first-writer-wins"
	StrategyThreeWayMerge        ResolutionStrategy = "three-way-merge"
	StrategyUserChoice           ResolutionStrategy = "user-choice"
	StrategyOperationalTransform ResolutionStrategy = "operational-transform"
)

type ResolutionStatus string

const (
	ResolutionStatusResolved       ResolutionStatus = "resolved"
	ResolutionStatusNeedsUserInput ResolutionStatus = "needs-user-input"
	ResolutionStatusFailed         ResolutionStatus = "failed"
)

// Resolution is the outcome of applying a strategy to a conflict.
// a resolved status with a nil Result means the strategy decided nothing
// commits, e.g. first-writer-wins keeping the committed change, or an edit
// fully absorbed by concurrent deletes.
type Resolution struct {
	Status  ResolutionStatus
	Result  *Change
	Message string
	// offered when the user must choose
	Candidates []*ResolutionCandidate
}

// ResolutionCandidate is one selectable outcome for the conflicted top-level
// keys. a nil value marks a key the candidate removes.
type ResolutionCandidate struct {
	Name   string
	Values Tree
}

const (
	CandidateMine   = "mine"
	CandidateTheirs = "theirs"
	CandidateMerge  = "merge"
)

type ResolutionSuggestion struct {
	Strategy ResolutionStrategy
	Reason   string
}

type ResolveOptions struct {
	// snapshot the conflict was detected against
	Current *Resource
	Now     time.Time
}

type ConflictResolver struct {
}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// Resolve applies a strategy inside the resource critical section. resolved
// results are rebased onto the current version and ready to commit.
func (self *ConflictResolver) Resolve(conflict *Conflict, strategy ResolutionStrategy, opts *ResolveOptions) *Resolution {
	// a pruned history window leaves the competing changes unknown. nothing
	// automatic is safe then, so the user decides.
	if conflict.Type == ConflictTypeVersion && len(conflict.Competing) == 0 && conflict.ExpectedVersion < conflict.CurrentVersion {
		if strategy != StrategyLastWriterWins && strategy != StrategyFirstWriterWins && strategy != StrategyUserChoice {
			return self.userChoice(conflict, opts, "The history window no longer covers the base version.")
		}
	}

	switch strategy {
	case StrategyLastWriterWins:
		return &Resolution{
			Status: ResolutionStatusResolved,
			Result: conflict.Change.rebase(conflict.CurrentVersion),
		}
	case StrategyFirstWriterWins:
		return &Resolution{
			Status:  ResolutionStatusResolved,
			Result:  nil,
			Message: "A committed change takes precedence. The proposed change was dropped.",
		}
	case StrategyThreeWayMerge:
		return self.threeWayMerge(conflict, opts)
	case StrategyOperationalTransform:
		return self.operationalTransform(conflict, opts)
	case StrategyUserChoice:
		return self.userChoice(conflict, opts, "")
	default:
		return &Resolution{
			Status:  ResolutionStatusFailed,
			Message: "Unknown resolution strategy.",
		}
	}
}

// Suggest recommends a strategy without applying it.
func (self *ConflictResolver) Suggest(conflict *Conflict) *ResolutionSuggestion {
	switch conflict.Type {
	case ConflictTypeVersion:
		if conflict.Change.Type == ChangeTypeOpSequence && allOpSequences(conflict.Competing) && 0 < len(conflict.Competing) {
			return &ResolutionSuggestion{
				Strategy: StrategyOperationalTransform,
				Reason:   "Concurrent text edits transform cleanly.",
			}
		}
		return &ResolutionSuggestion{
			Strategy: StrategyThreeWayMerge,
			Reason:   "The committed and proposed changes can merge unless the same value diverged on both sides.",
		}
	default:
		return &ResolutionSuggestion{
			Strategy: StrategyUserChoice,
			Reason:   "Another client edited the same fields moments ago.",
		}
	}
}

// threeWayMerge commits the proposed delta on top of the committed ones when
// no value diverged on both sides. the base state is implicit: both sides
// are compared as deltas from it, the committed side folded into one
// RFC 7396 merge patch. a divergent value raises MergeConflictError, which
// downgrades to user choice.
func (self *ConflictResolver) threeWayMerge(conflict *Conflict, opts *ResolveOptions) *Resolution {
	if conflict.Change.Type == ChangeTypeOpSequence {
		return self.operationalTransform(conflict, opts)
	}

	minePatch, mineWholesale := effectivePatch(conflict.Change)
	theirsPatch, theirsWholesale, err := foldCompetingPatches(conflict.Competing)
	if err != nil {
		return &Resolution{
			Status:  ResolutionStatusFailed,
			Message: err.Error(),
		}
	}

	wholesale := map[string]bool{}
	for key := range mineWholesale {
		wholesale[key] = true
	}
	for key := range theirsWholesale {
		wholesale[key] = true
	}

	if paths := divergentPaths(minePatch, theirsPatch, wholesale); 0 < len(paths) {
		mergeErr := &MergeConflictError{
			Paths: paths,
		}
		resolution := self.userChoice(conflict, opts, mergeErr.Error())
		return resolution
	}

	return &Resolution{
		Status: ResolutionStatusResolved,
		Result: conflict.Change.rebase(conflict.CurrentVersion),
	}
}

// operationalTransform rebases a proposed op-sequence past the competing
// committed op-sequences in version order. committed operations take
// priority on position ties. a competing structural change on the same keys
// cannot transform, so the user decides.
func (self *ConflictResolver) operationalTransform(conflict *Conflict, opts *ResolveOptions) *Resolution {
	if conflict.Change.Type != ChangeTypeOpSequence {
		return self.userChoice(conflict, opts, "Only op-sequence changes transform.")
	}

	keys := conflict.Change.TouchedKeys()
	ops := conflict.Change.Ops
	for _, other := range conflict.Competing {
		if other.Version <= conflict.Change.BaseVersion {
			// already reflected in the proposed base
			continue
		}
		if other.Type != ChangeTypeOpSequence {
			if 0 < len(intersectKeys(keys, other.TouchedKeys())) {
				return self.userChoice(conflict, opts, "A concurrent structural change touched the same fields.")
			}
			continue
		}
		ops = TransformOps(ops, other.Ops, false)
	}

	if len(ops) == 0 {
		return &Resolution{
			Status:  ResolutionStatusResolved,
			Result:  nil,
			Message: "Every operation was absorbed by concurrent deletes.",
		}
	}

	result := conflict.Change.withOps(ops).rebase(conflict.CurrentVersion)
	return &Resolution{
		Status: ResolutionStatusResolved,
		Result: result,
	}
}

func (self *ConflictResolver) userChoice(conflict *Conflict, opts *ResolveOptions, message string) *Resolution {
	if message == "" {
		message = "Choose which values to keep."
	}
	return &Resolution{
		Status:     ResolutionStatusNeedsUserInput,
		Message:    message,
		Candidates: self.buildCandidates(conflict, opts),
	}
}

// buildCandidates renders the conflicted top-level keys three ways: the
// proposed values, the committed values, and a merge preview when one is
// computable.
func (self *ConflictResolver) buildCandidates(conflict *Conflict, opts *ResolveOptions) []*ResolutionCandidate {
	if opts == nil || opts.Current == nil {
		return nil
	}

	keys := conflict.TouchedKeys()
	candidates := []*ResolutionCandidate{}

	rebased := conflict.Change.rebase(opts.Current.Version)
	if mineTree, err := applyChangeToTree(opts.Current.Data, rebased); err == nil {
		candidates = append(candidates, &ResolutionCandidate{
			Name:   CandidateMine,
			Values: projectKeys(mineTree, keys),
		})
	}

	candidates = append(candidates, &ResolutionCandidate{
		Name:   CandidateTheirs,
		Values: projectKeys(opts.Current.Data, keys),
	})

	if conflict.Change.Type != ChangeTypeOpSequence {
		if merged, err := mergePreview(opts.Current.Data, conflict.Change); err == nil {
			candidates = append(candidates, &ResolutionCandidate{
				Name:   CandidateMerge,
				Values: projectKeys(merged, keys),
			})
		}
	}

	return candidates
}

// TouchedKeys is the union of top-level keys on both sides of the conflict.
func (self *Conflict) TouchedKeys() []string {
	keySet := map[string]bool{}
	for _, key := range self.Change.TouchedKeys() {
		keySet[key] = true
	}
	for _, other := range self.Competing {
		for _, key := range other.TouchedKeys() {
			keySet[key] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// effectivePatch renders a change payload as an RFC 7396 style patch tree.
// set keys are wholesale: the whole key value is one assignment. delete
// paths become explicit nulls.
func effectivePatch(change *Change) (Tree, map[string]bool) {
	switch change.Type {
	case ChangeTypeSet:
		wholesale := map[string]bool{}
		for key := range change.Values {
			wholesale[key] = true
		}
		return copyTree(change.Values), wholesale
	case ChangeTypePatch:
		return copyTree(change.Values), map[string]bool{}
	case ChangeTypeDelete:
		patch := Tree{}
		for _, path := range change.Paths {
			setPath(patch, path, nil)
		}
		return patch, map[string]bool{}
	default:
		return Tree{}, map[string]bool{}
	}
}

// foldCompetingPatches composes the committed payloads, oldest first, into
// one effective patch from the shared base.
func foldCompetingPatches(competing []*Change) (Tree, map[string]bool, error) {
	wholesale := map[string]bool{}
	var folded []byte
	for _, other := range competing {
		patch, otherWholesale := effectivePatch(other)
		for key := range otherWholesale {
			wholesale[key] = true
		}
		encoded, err := json.Marshal(patch)
		if err != nil {
			return nil, nil, err
		}
		if folded == nil {
			folded = encoded
		} else {
			folded, err = jsonpatch.MergeMergePatches(folded, encoded)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if folded == nil {
		return Tree{}, wholesale, nil
	}
	out := Tree{}
	if err := json.Unmarshal(folded, &out); err != nil {
		return nil, nil, err
	}
	return out, wholesale, nil
}

// divergentPaths finds the dotted paths where both patches assign and the
// assignments disagree. maps recurse; arrays, scalars, and nulls compare
// wholesale, as do keys written by a set.
func divergentPaths(mine Tree, theirs Tree, wholesale map[string]bool) []string {
	paths := []string{}
	for key, mineValue := range mine {
		theirsValue, ok := theirs[key]
		if !ok {
			continue
		}
		if wholesale[key] {
			if !reflect.DeepEqual(mineValue, theirsValue) {
				paths = append(paths, key)
			}
			continue
		}
		paths = append(paths, divergentValuePaths(key, mineValue, theirsValue)...)
	}
	slices.Sort(paths)
	return paths
}

func divergentValuePaths(path string, mine any, theirs any) []string {
	mineMap, mineOk := mine.(map[string]any)
	theirsMap, theirsOk := theirs.(map[string]any)
	if mineOk && theirsOk {
		paths := []string{}
		for key, mineValue := range mineMap {
			if theirsValue, ok := theirsMap[key]; ok {
				paths = append(paths, divergentValuePaths(path+"."+key, mineValue, theirsValue)...)
			}
		}
		return paths
	}
	if reflect.DeepEqual(mine, theirs) {
		return nil
	}
	return []string{path}
}

// mergePreview applies the proposed payload to the current tree as an
// RFC 7396 merge patch.
func mergePreview(current Tree, change *Change) (Tree, error) {
	patch, _ := effectivePatch(change)
	currentJson, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	patchJson, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	mergedJson, err := jsonpatch.MergePatch(currentJson, patchJson)
	if err != nil {
		return nil, err
	}
	merged := Tree{}
	if err := json.Unmarshal(mergedJson, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func projectKeys(tree Tree, keys []string) Tree {
	out := Tree{}
	for _, key := range keys {
		if value, ok := tree[key]; ok {
			out[key] = copyValue(value)
		} else {
			out[key] = nil
		}
	}
	return out
}

func allOpSequences(changes []*Change) bool {
	for _, change := range changes {
		if change.Type != ChangeTypeOpSequence {
			return false
		}
	}
	return true
}
