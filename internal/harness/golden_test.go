package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden files are hand-checked: regenerate with
//
//	go test ./internal/harness -run TestRunWithGolden -update
//
// and review the diff before committing.

func TestRunWithGolden_LateDecrement(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "late_decrement"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunWithGolden_LateJoin(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "late_join"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalReport_Stable(t *testing.T) {
	r := Report{
		Scenario:        "stable",
		ReferenceTotals: map[string]int64{"b": 2, "a": 1},
		Peers: []PeerReport{
			{Name: "a", Totals: map[string]int64{"z": 1, "m": 2}},
		},
	}

	first, err := MarshalReport(r)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalReport(r)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Contains(t, string(first), "\"a\": 1,\n    \"b\": 2")
	assert.Equal(t, byte('\n'), first[len(first)-1])
}
