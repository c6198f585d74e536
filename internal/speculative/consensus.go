package speculative

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Group is one set of equivalent responses.
type Group struct {
	Signature string   `json:"signature"`
	Members   []string `json:"members"`
	Votes     int      `json:"votes"`
}

// Consensus summarises the grouping of responses in consensus mode.
type Consensus struct {
	Groups []Group `json:"groups"`
	Agreed bool    `json:"agreed"`
}

// normalize folds a response to its comparison form: trimmed, lowercased,
// runs of whitespace collapsed to single spaces.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// signature hashes the normalized form so groups compare by digest.
func signature(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return fmt.Sprintf("%x", sum[:])
}

// consensus awaits every attempt, groups equivalent responses, and returns
// the representative of the largest group. Agreement requires a strict
// majority and at least two participants; a single participant's response is
// returned with agreed=false.
func (e *Executor) consensus(results <-chan attempt, models []string) (*Result, error) {
	n := len(models)
	attempts := make([]attempt, 0, n)
	for i := 0; i < n; i++ {
		attempts = append(attempts, <-results)
	}

	// Group successful attempts by normalized signature, preserving
	// model-list order within and across groups.
	type groupAcc struct {
		sig string
		// rep is the group member used for the winning response text:
		// the fastest member, ties broken by model-list order.
		rep     *attempt
		members []*attempt
	}
	var groups []*groupAcc
	bySig := make(map[string]*groupAcc)

	for i := range attempts {
		a := &attempts[i]
		if a.err != nil {
			continue
		}
		sig := signature(a.text)
		g, ok := bySig[sig]
		if !ok {
			g = &groupAcc{sig: sig, rep: a}
			bySig[sig] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, a)
		if a.elapsed < g.rep.elapsed || (a.elapsed == g.rep.elapsed && a.index < g.rep.index) {
			g.rep = a
		}
	}

	if len(groups) == 0 {
		return nil, allFailed(attempts)
	}

	// Largest group wins; equal-size groups break ties by their fastest
	// member, then model-list order.
	best := groups[0]
	for _, g := range groups[1:] {
		switch {
		case len(g.members) > len(best.members):
			best = g
		case len(g.members) == len(best.members):
			if g.rep.elapsed < best.rep.elapsed ||
				(g.rep.elapsed == best.rep.elapsed && g.rep.index < best.rep.index) {
				best = g
			}
		}
	}

	info := &Consensus{Agreed: n >= 2 && len(best.members) >= n/2+1}
	for _, g := range groups {
		members := make([]string, len(g.members))
		for i, m := range g.members {
			members[i] = m.model
		}
		info.Groups = append(info.Groups, Group{
			Signature: g.sig,
			Members:   members,
			Votes:     len(g.members),
		})
	}

	winner := best.rep
	losers := make([]Loser, 0, n-1)
	for _, a := range attempts {
		if a.index == winner.index {
			continue
		}
		losers = append(losers, toLoser(a))
	}

	return &Result{
		Winner:    winner.model,
		Response:  winner.text,
		Usage:     winner.usage,
		Losers:    losers,
		Consensus: info,
	}, nil
}
