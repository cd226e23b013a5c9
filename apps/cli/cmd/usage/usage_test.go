package usage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	p, err := parsePeriod("", "")
	require.NoError(t, err)
	require.Nil(t, p.Start)
	require.Nil(t, p.End)

	p, err = parsePeriod("2025-03-01T00:00:00Z", "2025-04-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, 3, int(p.Start.Month()))
	require.Equal(t, 4, int(p.End.Month()))

	_, err = parsePeriod("2025-04-01T00:00:00Z", "2025-03-01T00:00:00Z")
	require.Error(t, err)

	_, err = parsePeriod("yesterday", "")
	require.ErrorContains(t, err, "--period-start")
}
