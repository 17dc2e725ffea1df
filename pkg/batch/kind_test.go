package batch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperationKind(t *testing.T) {
	tests := []struct {
		in      string
		want    OperationKind
		wantErr bool
	}{
		{"copy", KindCopy, false},
		{"move", KindMove, false},
		{"delete", KindDelete, false},
		{" Delete ", KindDelete, false},
		{"rename", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperationKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperationKind_JSON(t *testing.T) {
	type wrapper struct {
		Kind OperationKind `json:"kind"`
	}

	b, err := json.Marshal(wrapper{Kind: KindMove})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"move"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"delete"}`), &w))
	assert.Equal(t, KindDelete, w.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"purge"}`), &w))

	_, err = json.Marshal(wrapper{})
	assert.Error(t, err, "zero kind must not marshal")
}

func TestOperationKind_IsRelocation(t *testing.T) {
	assert.True(t, KindCopy.IsRelocation())
	assert.True(t, KindMove.IsRelocation())
	assert.False(t, KindDelete.IsRelocation())
}

func TestJobHandle_Validate(t *testing.T) {
	valid := JobHandle{OperationID: "dbjid:1", Kind: KindCopy, Credential: "tok"}
	require.NoError(t, valid.Validate())

	missing := JobHandle{}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation_id is required")
	assert.Contains(t, err.Error(), "operation_kind")
	assert.Contains(t, err.Error(), "credential is required")
}
