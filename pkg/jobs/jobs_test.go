package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	for _, name := range append(Names, DeadLetter) {
		parsed, err := ParseName(name.String())
		require.NoError(t, err)
		assert.Equal(t, name, parsed)
	}
	_, err := ParseName("mail")
	assert.Error(t, err)
}

func TestJob_Stripped(t *testing.T) {
	job, err := NewJob(map[string]string{"file_id": "f1"},
		&Accountability{User: "u1", Role: "r1"},
		json.RawMessage(`{"collections":{}}`))
	require.NoError(t, err)
	stripped := job.Stripped()
	assert.Nil(t, stripped.Accountability)
	assert.Nil(t, stripped.Schema)
	var payload map[string]string
	require.NoError(t, stripped.Decode(&payload))
	assert.Equal(t, "f1", payload["file_id"])
	// Original is untouched.
	assert.Equal(t, "u1", job.Accountability.User)
}
