package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz/internal/model"
)

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"g1", "game-01", "a.b_c", strings.Repeat("x", model.MaxSessionIDLen)} {
		require.NoError(t, model.ValidateSessionID(id), "expected valid: %q", id)
	}
	for _, id := range []string{"", "has space", "slash/id", strings.Repeat("x", model.MaxSessionIDLen+1)} {
		assert.Error(t, model.ValidateSessionID(id), "expected invalid: %q", id)
	}
}

func TestValidateHandle(t *testing.T) {
	tests := []struct {
		name         string
		handle       model.ParticipantHandle
		allowPrivate bool
		wantErr      string
	}{
		{"scripted ok", model.ParticipantHandle{Transport: model.TransportScripted, Moves: []string{"e2e4"}}, false, ""},
		{"scripted empty", model.ParticipantHandle{Transport: model.TransportScripted, Name: "s"}, false, "no moves"},
		{"unknown transport", model.ParticipantHandle{Transport: "carrier-pigeon"}, false, "unknown participant transport"},
		{"public a2a", model.ParticipantHandle{Transport: model.TransportA2A, Address: "https://player.example.com"}, false, ""},
		{"bad scheme", model.ParticipantHandle{Transport: model.TransportHTTP, Address: "ftp://player.example.com"}, false, "http or https"},
		{"credentials", model.ParticipantHandle{Transport: model.TransportHTTP, Address: "https://u:p@player.example.com"}, false, "credentials"},
		{"localhost rejected", model.ParticipantHandle{Transport: model.TransportHTTP, Address: "http://localhost:9000"}, false, "localhost"},
		{"private rejected", model.ParticipantHandle{Transport: model.TransportEngine, Address: "http://10.1.2.3/mcp"}, false, "private"},
		{"private allowed", model.ParticipantHandle{Transport: model.TransportEngine, Address: "http://10.1.2.3/mcp"}, true, ""},
		{"no host", model.ParticipantHandle{Transport: model.TransportHTTP, Address: "http://"}, true, "host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateHandle(tt.handle, tt.allowPrivate)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSideOpponent(t *testing.T) {
	assert.Equal(t, model.SideBlack, model.SideWhite.Opponent())
	assert.Equal(t, model.SideWhite, model.SideBlack.Opponent())
	assert.Equal(t, model.Side(""), model.Side("").Opponent())

	s, err := model.ParseSide("b")
	require.NoError(t, err)
	assert.Equal(t, model.SideBlack, s)
	_, err = model.ParseSide("red")
	assert.Error(t, err)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleOperator, model.RoleObserver))
	assert.True(t, model.RoleAtLeast(model.RoleObserver, model.RoleObserver))
	assert.False(t, model.RoleAtLeast(model.RoleObserver, model.RoleOperator))
	assert.False(t, model.RoleAtLeast(model.Role("nobody"), model.RoleObserver))
}

func TestHandleKey(t *testing.T) {
	a := model.ParticipantHandle{Transport: model.TransportA2A, Address: "https://a.example.com", Name: "alpha"}
	b := model.ParticipantHandle{Transport: model.TransportA2A, Address: "https://a.example.com", Name: "renamed"}
	assert.Equal(t, a.Key(), b.Key(), "address identifies network participants")

	s1 := model.ParticipantHandle{Transport: model.TransportScripted, Name: "w"}
	s2 := model.ParticipantHandle{Transport: model.TransportScripted, Name: "b"}
	assert.NotEqual(t, s1.Key(), s2.Key())
	assert.True(t, model.Bindings{First: a, Second: s1}.Equal(model.Bindings{First: b, Second: s1}))

	opening := model.ParticipantHandle{Transport: model.TransportScripted, Name: "w", Moves: []string{"e2e4"}}
	other := model.ParticipantHandle{Transport: model.TransportScripted, Name: "w", Moves: []string{"d2d4"}}
	assert.NotEqual(t, opening.Key(), other.Key(), "scripts with the same name are different players")
	assert.False(t, model.Bindings{First: opening, Second: s2}.Equal(model.Bindings{First: other, Second: s2}))
	assert.True(t, model.StatusForfeited.Terminal())
	assert.False(t, model.StatusActive.Terminal())
}
