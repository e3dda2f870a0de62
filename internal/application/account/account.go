// Package account owns the per-account sessions of a device: one channel,
// correlator, interpreter and outbound queue for every configured backend.
package account

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/orris-inc/flowlink/internal/shared/errors"
	sharedConfig "github.com/orris-inc/flowlink/internal/shared/config"
)

// Handshake headers identifying the device.
const (
	HeaderDeviceID       = "X-Device-Id"
	HeaderDeviceHostname = "X-Device-Hostname"
	HeaderAgentVersion   = "X-Agent-Version"
	HeaderRuntimeVersion = "X-Runtime-Version"
)

// Account is one backend the device is enrolled with. It is immutable once
// registered.
type Account struct {
	// FQN is <tenant>@<host[:port]>.
	FQN      string
	User     string
	Password string
	Secure   bool
	Managed  bool
	Primary  bool
}

// FromConfig builds an account from its configuration entry.
func FromConfig(cfg sharedConfig.AccountConfig) Account {
	return Account{
		FQN:      cfg.FQN,
		User:     cfg.User,
		Password: cfg.Password,
		Secure:   cfg.Secure,
		Managed:  cfg.Managed,
	}
}

func (a Account) Name() string {
	return a.FQN
}

func (a Account) Tenant() string {
	tenant, _, _ := strings.Cut(a.FQN, "@")
	return tenant
}

func (a Account) Host() string {
	_, host, _ := strings.Cut(a.FQN, "@")
	return host
}

// Validate checks that the FQN names both a tenant and a host.
func (a Account) Validate() error {
	tenant, host, ok := strings.Cut(a.FQN, "@")
	if !ok || tenant == "" || host == "" {
		return apperrors.NewValidationError("invalid account name", "expected <tenant>@<host[:port]>, got "+a.FQN)
	}
	return nil
}

// URL returns the WebSocket endpoint of the account below transportPath.
func (a Account) URL(transportPath string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   a.Host(),
		Path:   path.Join("/", transportPath, a.Tenant()),
	}
	if a.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

// Header builds the handshake headers sent with every dial.
func (a Account) Header(d sharedConfig.DeviceConfig) http.Header {
	h := http.Header{}
	h.Set(HeaderDeviceID, d.ID)
	h.Set(HeaderDeviceHostname, d.Hostname)
	h.Set(HeaderAgentVersion, d.AgentVersion)
	h.Set(HeaderRuntimeVersion, d.RuntimeVersion)
	if a.User != "" || a.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(a.User + ":" + a.Password))
		h.Set("Authorization", "Basic "+creds)
	}
	return h
}
