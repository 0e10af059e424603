package remote

import (
	"testing"

	"github.com/justserved/just-served/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestPartitionBySize(t *testing.T) {
	function := digest.NewFunction(true)
	blob := func(size int) Blob {
		data := make([]byte, size)
		data[0] = byte(size)
		return Blob{Digest: function.FromData(data, digest.KindBlob), Data: data}
	}
	input := []Blob{blob(1), blob(100), blob(3), blob(200), blob(5)}

	small, large := partitionBySize(input, 10)

	// The subsets cover the input, are disjoint, and the partition
	// is stable: input order survives within each subset.
	require.Len(t, small, 3)
	require.Len(t, large, 2)
	require.Equal(t, []Blob{input[0], input[2], input[4]}, small)
	require.Equal(t, []Blob{input[1], input[3]}, large)

	// Boundary: a blob of exactly the maximum size stays batchable.
	small, large = partitionBySize([]Blob{blob(10)}, 10)
	require.Len(t, small, 1)
	require.Empty(t, large)
}
