package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The original web client emitted candidates under two different keys;
// both must land in the same place.
func TestSignalDataCandidateAlias(t *testing.T) {
	d, err := ParseSignalData(json.RawMessage(`{"iceCandidate":{"candidate":"c1"}}`))
	require.NoError(t, err)
	require.NotNil(t, d.AnyCandidate())
	assert.Equal(t, "c1", d.AnyCandidate().Candidate)

	d, err = ParseSignalData(json.RawMessage(`{"candidate":{"candidate":"c2"}}`))
	require.NoError(t, err)
	require.NotNil(t, d.AnyCandidate())
	assert.Equal(t, "c2", d.AnyCandidate().Candidate)

	d, err = ParseSignalData(json.RawMessage(`{"offer":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err)
	assert.Nil(t, d.AnyCandidate())
}

func TestParseSignalDataRejectsGarbage(t *testing.T) {
	_, err := ParseSignalData(json.RawMessage(`not json`))
	assert.Error(t, err)
}
