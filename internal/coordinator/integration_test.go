package coordinator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimmoahokas/slicetime/testutil"
)

// End-to-end versions of spec.md §8's scenarios, driven over real loopback
// UDP sockets via testutil.Harness rather than the in-process fakes above.

func TestEndToEndSingleClientAdvancesThroughMultiplePeriods(t *testing.T) {
	h := testutil.NewHarness(t, 1, 1000)
	client := h.NewClient(1)

	for want := uint32(1); want <= 3; want++ {
		runTime, err := client.WaitForRunPermission()
		require.NoError(t, err)
		require.Equal(t, uint32(1000), runTime)
		require.EqualValues(t, want, client.Period())
		require.NoError(t, client.SendFinished(1000, 1000))
	}

	require.Eventually(t, func() bool {
		return h.Coordinator().CurrentPeriod() == 4
	}, time.Second, 5*time.Millisecond)
}

func TestEndToEndQuorumBlocksUntilAllClientsJoin(t *testing.T) {
	h := testutil.NewHarness(t, 2, 1000)
	client1 := h.NewClient(1)

	require.Never(t, func() bool {
		return h.Coordinator().CurrentPeriod() > 1
	}, 50*time.Millisecond, 10*time.Millisecond)

	client2 := h.NewClient(2)

	runTime1, err := client1.WaitForRunPermission()
	require.NoError(t, err)
	runTime2, err := client2.WaitForRunPermission()
	require.NoError(t, err)
	require.Equal(t, runTime1, runTime2)
}

func TestEndToEndSlowClientBlocksAdvancement(t *testing.T) {
	h := testutil.NewHarness(t, 2, 1000)
	client1 := h.NewClient(1)
	client2 := h.NewClient(2)

	_, err := client1.WaitForRunPermission()
	require.NoError(t, err)
	_, err = client2.WaitForRunPermission()
	require.NoError(t, err)

	require.NoError(t, client1.SendFinished(1000, 1000))
	require.Never(t, func() bool {
		return h.Coordinator().CurrentPeriod() > 1
	}, 50*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, client2.SendFinished(1000, 1000))
	require.Eventually(t, func() bool {
		return h.Coordinator().CurrentPeriod() == 2
	}, time.Second, 5*time.Millisecond)
}
