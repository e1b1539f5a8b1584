package query

import (
	"cmp"

	"github.com/authzed/objectdb/internal/tree"
)

// joinResult is an operand result recorded for a join. The values are chosen
// so that the sum of both operand results decides AND (sum > 0) and OR
// (sum > -4).
type joinResult int8

const (
	resultUnknown joinResult = 0
	resultFalse   joinResult = -4
	resultBoth    joinResult = 1
	resultTrue    joinResult = 2
)

func resultOf(res bool) joinResult {
	if res {
		return resultTrue
	}
	return resultFalse
}

// mergeReports combines two reports of the same operand for the same root. A
// false report wins over anything reported for the operand before.
func mergeReports(old, reported joinResult) joinResult {
	switch {
	case old == resultUnknown:
		return reported
	case old == resultFalse || reported == resultFalse:
		return resultFalse
	case old == resultBoth || reported == resultBoth:
		return resultBoth
	default:
		return resultTrue
	}
}

// mergeElements combines the reports of an operand across array elements.
// Elements disagreeing leave the operand both true and false.
func mergeElements(old, reported joinResult) joinResult {
	if old == resultUnknown || old == reported {
		return reported
	}
	return resultBoth
}

func combine(and bool, results [2]joinResult) bool {
	sum := int(results[0]) + int(results[1])
	if and {
		return sum > 0
	}
	return sum > int(resultFalse)
}

// pendingEntry records the operand results seen for one join on one root
// candidate. Resolved entries are kept so that later reports from either
// operand re-resolve the join.
type pendingEntry struct {
	join    *Constraint
	results [2]joinResult
	emitted joinResult
}

func comparePending(a, b *pendingEntry) int {
	return cmp.Compare(a.join.seq, b.join.seq)
}

// awaiting returns the index of the operand that has not reported yet, or -1.
func (p *pendingEntry) awaiting() int {
	switch {
	case p.results[0] == resultUnknown:
		return 0
	case p.results[1] == resultUnknown:
		return 1
	default:
		return -1
	}
}

func (c *candidate) pendingFor(join *Constraint) *pendingEntry {
	if c.pending == nil {
		c.pending = tree.New(comparePending, tree.RejectDuplicates[*pendingEntry])
	}
	if h, ok := c.pending.Find(&pendingEntry{join: join}); ok {
		return c.pending.Value(h)
	}
	entry := &pendingEntry{join: join}
	c.pending.Add(entry)
	return entry
}

// incompletePending returns an entry still awaiting an operand.
func (c *candidate) incompletePending() *pendingEntry {
	if c.pending == nil {
		return nil
	}
	var found *pendingEntry
	c.pending.Traverse(func(_ tree.Handle, p *pendingEntry) bool {
		if p.awaiting() >= 0 {
			found = p
			return false
		}
		return true
	})
	return found
}

// pendingReport is an operand result travelling to a join.
type pendingReport struct {
	root     *candidate
	join     *Constraint
	reporter *Constraint
	result   joinResult
}

// report queues the reporter's result for the join on the root and drains
// the queue unless a drain is already running further up the stack.
func (e *execution) report(root *candidate, join, reporter *Constraint, result joinResult) {
	e.worklist = append(e.worklist, pendingReport{root: root, join: join, reporter: reporter, result: result})
	if e.draining {
		return
	}

	e.draining = true
	for len(e.worklist) > 0 {
		next := e.worklist[0]
		e.worklist = e.worklist[1:]
		e.processReport(next)
	}
	e.worklist = nil
	e.draining = false
}

func (e *execution) processReport(r pendingReport) {
	if !r.root.include {
		return
	}

	entry := r.root.pendingFor(r.join)
	i := r.join.operandIndex(r.reporter)
	entry.results[i] = mergeReports(entry.results[i], r.result)
	if entry.awaiting() >= 0 {
		return
	}

	res := r.join.eval.not(combine(r.join.and, entry.results))
	if entry.emitted == resultOf(res) {
		return
	}
	entry.emitted = resultOf(res)
	e.resolveJoin(r.root, r.join, res)
}

// resolveJoin passes a join's result on to the joins it is an operand of. A
// failing outermost join excludes the root through both operands.
func (e *execution) resolveJoin(root *candidate, join *Constraint, res bool) {
	if len(join.joins) > 0 {
		for _, outer := range join.joins {
			e.report(root, outer, join, resultOf(res))
		}
		return
	}
	if !res {
		e.doNotInclude(join.operands[0], root)
		e.doNotInclude(join.operands[1], root)
	}
}

// finalize resolves the joins of the root that are still waiting for an
// operand. An operand that never reported counts as not matching.
func (e *execution) finalize(root *candidate) {
	for root.include {
		entry := root.incompletePending()
		if entry == nil {
			return
		}
		i := entry.awaiting()
		awaited := entry.join.operands[i]
		e.report(root, entry.join, awaited, resultOf(awaited.eval.not(false)))
	}
}

// forwardedReport is an unresolved operand result collected from array
// element candidates.
type forwardedReport struct {
	join     *Constraint
	reporter *Constraint
	result   joinResult
}

// collectForwarded gathers the operand results elements could not resolve
// on their own, merged per join and operand.
func collectForwarded(elements []*candidate) []forwardedReport {
	var forwarded []forwardedReport
	for _, el := range elements {
		if el.pending == nil {
			continue
		}
		el.pending.Traverse(func(_ tree.Handle, p *pendingEntry) bool {
			missing := p.awaiting()
			if missing < 0 {
				return true
			}
			known := 1 - missing
			reporter := p.join.operands[known]
			for i := range forwarded {
				if forwarded[i].join == p.join && forwarded[i].reporter == reporter {
					forwarded[i].result = mergeElements(forwarded[i].result, p.results[known])
					return true
				}
			}
			forwarded = append(forwarded, forwardedReport{join: p.join, reporter: reporter, result: p.results[known]})
			return true
		})
	}
	return forwarded
}
