package types

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationDecodes(t *testing.T) {
	var target struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}

	require.NoError(t, sonic.Unmarshal([]byte(`{"a":"1m30s","b":2000000000,"c":null}`), &target))
	assert.Equal(t, 90*time.Second, target.A.Std())
	assert.Equal(t, 2*time.Second, target.B.Std())
	assert.Zero(t, target.C)

	err := sonic.Unmarshal([]byte(`{"a":"soon"}`), &target)
	assert.Error(t, err)

	out, err := sonic.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(out))
}
