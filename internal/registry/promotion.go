package registry

import (
	"log/slog"
	"slices"
)

// Outcome describes what an evaluation did to the whitelist.
type Outcome int

const (
	// Unchanged means the whitelist was not touched.
	Unchanged Outcome = iota
	// Promoted means the client was added to the whitelist.
	Promoted
	// Refreshed means an already whitelisted client was updated.
	Refreshed
	// Demoted means the client was removed from the whitelist.
	Demoted
)

// String returns the outcome name used in logs.
func (o Outcome) String() string {
	switch o {
	case Promoted:
		return "promoted"
	case Refreshed:
		return "refreshed"
	case Demoted:
		return "demoted"
	default:
		return "unchanged"
	}
}

// MatchesSequence reports whether the ports recorded for rec are exactly the
// expected sequence, same length and same order. A client whose remembered
// window is longer than the sequence does not match.
func MatchesSequence(rec *ClientRecord, expected []int) bool {
	if rec == nil || len(rec.Ports) != len(expected) {
		return false
	}
	return slices.Equal(rec.Ports, expected)
}

// Promoter moves blacklisted clients onto the whitelist when their port
// sequence matches the expected one, and takes them off again when it stops
// matching. Whitelisted clients stay on the blacklist.
type Promoter struct {
	whitelist *Registry
	sequence  []int
	logger    *slog.Logger
}

// NewPromoter creates a promoter over whitelist. An empty sequence or a nil
// whitelist disables whitelisting: Evaluate then does nothing.
func NewPromoter(whitelist *Registry, sequence []int, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Promoter{
		whitelist: whitelist,
		sequence:  slices.Clone(sequence),
		logger:    logger,
	}
}

// Enabled reports whether whitelisting is active.
func (p *Promoter) Enabled() bool {
	return p != nil && p.whitelist != nil && len(p.sequence) > 0
}

// Sequence returns a copy of the expected port sequence.
func (p *Promoter) Sequence() []int {
	if p == nil {
		return nil
	}
	return slices.Clone(p.sequence)
}

// Evaluate checks the blacklist record of addr, just updated for an attempt
// on port, and adds, refreshes or removes the whitelist entry accordingly.
// The whitelist snapshot is written whenever it changes.
func (p *Promoter) Evaluate(addr string, port int, rec *ClientRecord) Outcome {
	if !p.Enabled() {
		return Unchanged
	}

	if MatchesSequence(rec, p.sequence) {
		outcome := Refreshed
		if white := p.whitelist.Find(addr); white == nil {
			p.whitelist.Add(addr, port)
			outcome = Promoted
			p.logger.Info("client_promoted",
				"addr", addr,
				"ports", rec.Ports,
			)
		} else {
			p.whitelist.Update(white, port)
		}
		p.whitelist.Persist()
		return outcome
	}

	if p.whitelist.FindAndRemove(addr) {
		p.logger.Info("client_demoted",
			"addr", addr,
			"ports", rec.Ports,
		)
		p.whitelist.Persist()
		return Demoted
	}
	return Unchanged
}
