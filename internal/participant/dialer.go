package participant

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kibitz/internal/chessmcp"
	"github.com/ashita-ai/kibitz/internal/model"
)

// NetDialer builds adapters for the built-in transports.
type NetDialer struct {
	HTTPClient *http.Client
	// Version is reported as the MCP client version to engine servers.
	Version string
}

// NewNetDialer returns a dialer sharing one HTTP client across participants.
func NewNetDialer(httpClient *http.Client, version string) *NetDialer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &NetDialer{HTTPClient: httpClient, Version: version}
}

// Dial implements Dialer.
func (d *NetDialer) Dial(h model.ParticipantHandle) (Participant, error) {
	switch h.Transport {
	case model.TransportHTTP:
		return NewHTTP(h.Address, d.HTTPClient), nil
	case model.TransportA2A:
		return NewA2A(h.Address, d.HTTPClient), nil
	case model.TransportEngine:
		client := chessmcp.New(chessmcp.HTTPDialer(h.Address, "kibitz", d.Version, nil))
		return NewEngine(client, time.Duration(h.TimeLimitMillis)*time.Millisecond), nil
	case model.TransportScripted:
		return NewScripted(h.Moves), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, h.Transport)
	}
}
