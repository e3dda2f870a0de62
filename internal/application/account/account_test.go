package account

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedConfig "github.com/orris-inc/flowlink/internal/shared/config"
)

func TestAccount_URL(t *testing.T) {
	tests := []struct {
		name string
		acc  Account
		path string
		want string
	}{
		{"plain", Account{FQN: "acme@hub.example.com"}, "/devices", "ws://hub.example.com/devices/acme"},
		{"secure with port", Account{FQN: "acme@hub.example.com:8443", Secure: true}, "devices", "wss://hub.example.com:8443/devices/acme"},
		{"no transport path", Account{FQN: "beta@10.0.0.2:9000"}, "", "ws://10.0.0.2:9000/beta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.acc.URL(tt.path))
		})
	}
}

func TestAccount_Validate(t *testing.T) {
	assert.NoError(t, Account{FQN: "acme@hub"}.Validate())
	for _, fqn := range []string{"", "acme", "@hub", "acme@"} {
		assert.Error(t, Account{FQN: fqn}.Validate(), fqn)
	}
}

func TestAccount_Header(t *testing.T) {
	acc := FromConfig(sharedConfig.AccountConfig{FQN: "acme@hub", User: "dev", Password: "s3cret"})
	h := acc.Header(sharedConfig.DeviceConfig{ID: "dev-1", Hostname: "edge01", AgentVersion: "1.2.0", RuntimeVersion: "20.1"})

	assert.Equal(t, "dev-1", h.Get(HeaderDeviceID))
	assert.Equal(t, "edge01", h.Get(HeaderDeviceHostname))
	assert.Equal(t, "1.2.0", h.Get(HeaderAgentVersion))
	assert.Equal(t, "20.1", h.Get(HeaderRuntimeVersion))

	req := &http.Request{Header: h}
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "dev", user)
	assert.Equal(t, "s3cret", pass)
}

func TestRestarter_OnlyFirstRequestCounts(t *testing.T) {
	r := NewRestarter()

	select {
	case <-r.Requested():
		t.Fatal("restart requested too early")
	default:
	}

	assert.True(t, r.Request("acme@hub"))
	assert.False(t, r.Request("beta@hub"))
	assert.Equal(t, "acme@hub", r.Reason())

	select {
	case <-r.Requested():
	default:
		t.Fatal("restart not signalled")
	}
}
