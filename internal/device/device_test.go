package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformIsKnownIdentifier(t *testing.T) {
	p := Platform()
	assert.Contains(t, []string{"macos", "windows", "linux", "raspberry"}, p)
}

func TestCollectFillsNameFromHostname(t *testing.T) {
	info := Collect("dev-1", "")
	assert.Equal(t, "dev-1", info.ID)
	assert.NotEmpty(t, info.Name)

	named := Collect("dev-1", "office-mini")
	assert.Equal(t, "office-mini", named.Name)
}

func TestInfoWireFormat(t *testing.T) {
	info := Info{ID: "d1", OS: "linux", Name: "box"}
	data, err := json.Marshal(info)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "d1", m["deviceId"])
	assert.Equal(t, "linux", m["deviceOs"])
	assert.Equal(t, "box", m["deviceName"])
}

func TestHostSummaryHasPlatform(t *testing.T) {
	s := HostSummary()
	assert.Contains(t, s, "platform")
}
