package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Foreman/internal/dispatch"
)

func TestJobState(t *testing.T) {
	t.Parallel()
	require.Equal(t, "pending", dispatch.JobPending.String())
	require.Equal(t, "active", dispatch.JobActive.String())
	require.Equal(t, "terminal", dispatch.JobTerminal.String())
	require.Equal(t, "JobState(7)", dispatch.JobState(7).String())
}
