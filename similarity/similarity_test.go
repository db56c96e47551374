package similarity

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const solverA = `
def solve(task):
    best = None
    for item in task.items:
        if item.weight > task.limit:
            continue
        score = evaluate(item)
        if best is None or score > best:
            best = score
    return best
`

// solverB is solverA with every identifier renamed and comments added.
const solverB = `
# totally original work
def answer(problem):
    top = None
    for thing in problem.items:
        if thing.weight > problem.limit:
            continue
        val = evaluate(thing)
        if top is None or val > top:
            top = val
    return top
`

const solverC = `
def solve(task):
    while not converged(task):
        step(task)
        step(task)
        step(task)
    return extract(task)
`

func TestExtract_InvariantToRenaming(t *testing.T) {
	fpA, err := Extract(solverA)
	require.NoError(t, err)
	fpB, err := Extract(solverB)
	require.NoError(t, err)
	require.Equal(t, 1.0, fpA.Similarity(fpB))
}

func TestExtract_DistinctStructure(t *testing.T) {
	fpA, err := Extract(solverA)
	require.NoError(t, err)
	fpC, err := Extract(solverC)
	require.NoError(t, err)
	require.Less(t, fpA.Similarity(fpC), 1.0)
}

func TestSimilarity_Symmetric(t *testing.T) {
	fpA, err := Extract(solverA)
	require.NoError(t, err)
	fpC, err := Extract(solverC)
	require.NoError(t, err)
	require.Equal(t, fpA.Similarity(fpC), fpC.Similarity(fpA))
}

func TestExtract_EmptySourceFails(t *testing.T) {
	_, err := Extract("   \n\t ")
	require.Error(t, err)
}

func TestCompare_ExcludesSameMiner(t *testing.T) {
	c := NewComparer(zaptest.NewLogger(t))
	sub := Candidate{Miner: "m1", ContentHash: "h1", Code: solverA}
	window := []Candidate{
		sub,
		{Miner: "m1", ContentHash: "h0", Code: solverA},
		{Miner: "m2", ContentHash: "h2", Code: solverC},
	}
	logs, max := c.Compare(sub, window)
	require.Len(t, logs, 1)
	require.Equal(t, "m2", logs[0].OtherMiner)
	require.Less(t, max, 1.0)
}

func TestCompare_IdenticalContentScoresOne(t *testing.T) {
	c := NewComparer(zaptest.NewLogger(t))
	a := Candidate{Miner: "m1", ContentHash: "h1", Code: solverA}
	b := Candidate{Miner: "m2", ContentHash: "h1", Code: solverA}

	logsA, maxA := c.Compare(a, []Candidate{a, b})
	logsB, maxB := c.Compare(b, []Candidate{a, b})
	require.Equal(t, 1.0, maxA)
	require.Equal(t, 1.0, maxB)
	require.Equal(t, "m2", logsA[0].OtherMiner)
	require.Equal(t, "m1", logsB[0].OtherMiner)
}

func TestCompare_IdenticalMalformedContentStillScoresOne(t *testing.T) {
	c := NewComparer(zaptest.NewLogger(t))
	// No control flow at all, so fingerprinting would fail; the shared
	// content hash alone must flag the copy.
	a := Candidate{Miner: "m1", ContentHash: "h1", Code: "just a flat script"}
	b := Candidate{Miner: "m2", ContentHash: "h1", Code: "just a flat script"}

	logs, max := c.Compare(a, []Candidate{a, b})
	require.Len(t, logs, 1)
	require.Equal(t, 1.0, max)
	require.Equal(t, 1.0, logs[0].Similarity)
	require.Empty(t, logs[0].Error)
}

func TestCompare_FailsOpenOnMalformedInput(t *testing.T) {
	c := NewComparer(zaptest.NewLogger(t))
	sub := Candidate{Miner: "m1", ContentHash: "h1", Code: "no control flow here"}
	window := []Candidate{{Miner: "m2", ContentHash: "h2", Code: solverA}}

	logs, max := c.Compare(sub, window)
	require.Len(t, logs, 1)
	require.Zero(t, max)
	require.Zero(t, logs[0].Similarity)
	require.NotEmpty(t, logs[0].Error)
}

func TestComparer_PairCacheRoundTrip(t *testing.T) {
	c := NewComparer(zaptest.NewLogger(t))
	a := Candidate{Miner: "m1", ContentHash: "h1", Code: solverA}
	b := Candidate{Miner: "m2", ContentHash: "h2", Code: solverC}
	_, first := c.Compare(a, []Candidate{b})

	fresh := NewComparer(zaptest.NewLogger(t))
	fresh.SeedPairs(c.Pairs())
	// Seeded cache answers without any source code.
	_, second := fresh.Compare(
		Candidate{Miner: "m1", ContentHash: "h1"},
		[]Candidate{{Miner: "m2", ContentHash: "h2"}},
	)
	require.Equal(t, first, second)
}
