package choreography

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraph_Order(t *testing.T) {
	t.Parallel()

	g, err := buildGraph(workflow("W", step("D", "B", "C"), step("C", "A"), step("B", "A"), step("A")))
	require.NoError(t, err)

	pos := g.position
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])

	rev := g.reverseOrder()
	assert.Equal(t, "D", rev[0])
	assert.Equal(t, "A", rev[len(rev)-1])
}

func TestBuildGraph_Downstream(t *testing.T) {
	t.Parallel()

	g, err := buildGraph(workflow("W", step("A"), step("B", "A"), step("C", "B"), step("X")))
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C"}, g.downstream("A"))
	assert.Empty(t, g.downstream("X"))
}

func TestBuildGraph_CycleReachedThroughTail(t *testing.T) {
	t.Parallel()

	_, err := buildGraph(workflow("W", step("T", "A"), step("A", "B"), step("B", "A")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A -> B -> A")
}
