package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesSequence(t *testing.T) {
	expected := []int{2001, 2003, 2000}

	tests := []struct {
		name  string
		ports []int
		want  bool
	}{
		{"exact", []int{2001, 2003, 2000}, true},
		{"wrong order", []int{2003, 2001, 2000}, false},
		{"prefix only", []int{2001, 2003}, false},
		{"longer window", []int{2004, 2001, 2003, 2000}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &ClientRecord{Addr: "A", Ports: tt.ports}
			assert.Equal(t, tt.want, MatchesSequence(rec, expected))
		})
	}

	assert.False(t, MatchesSequence(nil, expected))
}

// newPromotionFixture returns a blacklist, a whitelist and a promoter that
// share the same bounds, like the honeypot server sets them up.
func newPromotionFixture(t *testing.T, maxSeq int, sequence []int) (*Registry, *Registry, *Promoter) {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock()

	base := Config{
		MaxEntries:        4096,
		MaxSequenceLength: maxSeq,
		PenaltyTimespan:   time.Minute,
	}
	blackCfg := base
	blackCfg.Name = "black"
	blackCfg.Path = filepath.Join(dir, "list_black.json")
	whiteCfg := base
	whiteCfg.Name = "white"
	whiteCfg.Path = filepath.Join(dir, "list_white.json")

	black := New(blackCfg, testLogger(), WithClock(clock.Now))
	white := New(whiteCfg, testLogger(), WithClock(clock.Now))
	return black, white, NewPromoter(white, sequence, testLogger())
}

// connect mimics the per-connection flow of the server.
func connect(black *Registry, p *Promoter, addr string, port int) Outcome {
	rec := black.Find(addr)
	if rec == nil {
		black.Add(addr, port)
		black.Persist()
		return Unchanged
	}
	black.Update(rec, port)
	outcome := p.Evaluate(addr, port, rec)
	black.Persist()
	return outcome
}

func TestPromoter_PromotesMatchingSequence(t *testing.T) {
	black, white, p := newPromotionFixture(t, 3, []int{2001, 2003, 2000})
	const addr = "::ffff:192.168.2.51"

	assert.Equal(t, Unchanged, connect(black, p, addr, 2001))
	assert.Equal(t, Unchanged, connect(black, p, addr, 2003))
	assert.Nil(t, white.Find(addr))

	assert.Equal(t, Promoted, connect(black, p, addr, 2000))
	require.NotNil(t, white.Find(addr))
	assert.NotNil(t, black.Find(addr), "whitelisted clients stay on the blacklist")

	// The whitelist snapshot reflects the promotion
	onDisk, err := ReadSnapshot(white.Path())
	require.NoError(t, err)
	require.Len(t, onDisk, 1)
	assert.Equal(t, addr, onDisk[0].Addr)
}

func TestPromoter_DemotesOnDeviation(t *testing.T) {
	black, white, p := newPromotionFixture(t, 3, []int{2001, 2003, 2000})
	const addr = "10.1.1.1"

	for _, port := range []int{2001, 2003, 2000} {
		connect(black, p, addr, port)
	}
	require.NotNil(t, white.Find(addr))

	assert.Equal(t, Demoted, connect(black, p, addr, 2004))
	assert.Nil(t, white.Find(addr))

	onDisk, err := ReadSnapshot(white.Path())
	require.NoError(t, err)
	assert.Empty(t, onDisk)

	// Still on the blacklist with all four attempts counted
	rec := black.Find(addr)
	require.NotNil(t, rec)
	assert.Equal(t, 4, rec.Count)
	assert.Equal(t, []int{2003, 2000, 2004}, rec.Ports)
}

func TestPromoter_RefreshesWhitelistedClient(t *testing.T) {
	black, white, p := newPromotionFixture(t, 3, []int{2000, 2000, 2000})
	const addr = "10.1.1.2"

	for i := 0; i < 3; i++ {
		connect(black, p, addr, 2000)
	}
	assert.Equal(t, Refreshed, connect(black, p, addr, 2000))

	rec := white.Find(addr)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Count)
	assert.Equal(t, []int{2000, 2000}, rec.Ports)
}

func TestPromoter_OlderAttemptsOutsideWindowIgnored(t *testing.T) {
	black, white, p := newPromotionFixture(t, 3, []int{2001, 2003, 2000})
	const addr = "10.1.1.3"

	for _, port := range []int{2004, 2002, 2001, 2003} {
		connect(black, p, addr, port)
	}
	assert.Nil(t, white.Find(addr))
	assert.Equal(t, Promoted, connect(black, p, addr, 2000))
}

func TestPromoter_LongerWindowMatchesWholeHistoryOnly(t *testing.T) {
	// With a window longer than the sequence, the whole window must match,
	// so only a client whose every recorded attempt is the sequence qualifies.
	black, white, p := newPromotionFixture(t, 10, []int{2001, 2003, 2000})
	const addr = "10.1.1.4"

	for _, port := range []int{2001, 2003, 2000} {
		connect(black, p, addr, port)
	}
	require.NotNil(t, white.Find(addr))

	connect(black, p, addr, 2001)
	connect(black, p, addr, 2003)
	connect(black, p, addr, 2000)
	assert.Nil(t, white.Find(addr))
}

func TestPromoter_DisabledWithEmptySequence(t *testing.T) {
	black, white, p := newPromotionFixture(t, 3, nil)
	assert.False(t, p.Enabled())

	connect(black, p, "A", 2000)
	assert.Equal(t, Unchanged, connect(black, p, "A", 2000))
	assert.Equal(t, 0, white.Len())

	var nilPromoter *Promoter
	assert.False(t, nilPromoter.Enabled())
	assert.Equal(t, Unchanged, nilPromoter.Evaluate("A", 2000, &ClientRecord{}))
}

func TestPromoter_SequenceIsACopy(t *testing.T) {
	sequence := []int{2001, 2003, 2000}
	_, _, p := newPromotionFixture(t, 3, sequence)

	sequence[0] = 9999
	got := p.Sequence()
	assert.Equal(t, []int{2001, 2003, 2000}, got)

	got[1] = 9999
	assert.Equal(t, []int{2001, 2003, 2000}, p.Sequence())

	var nilPromoter *Promoter
	assert.Nil(t, nilPromoter.Sequence())
}

func TestPromoter_FirstConnectionIsNeverEvaluated(t *testing.T) {
	// A single-port sequence can only match from the second attempt on,
	// because new clients are added without evaluation.
	black, white, p := newPromotionFixture(t, 1, []int{2001})

	connect(black, p, "A", 2001)
	assert.Nil(t, white.Find("A"))

	assert.Equal(t, Promoted, connect(black, p, "A", 2001))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "promoted", Promoted.String())
	assert.Equal(t, "refreshed", Refreshed.String())
	assert.Equal(t, "demoted", Demoted.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
