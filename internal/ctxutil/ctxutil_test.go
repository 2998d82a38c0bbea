package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kibitz/internal/auth"
	"github.com/ashita-ai/kibitz/internal/model"
)

func TestClaimsRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))
	assert.Equal(t, model.RoleOperator, RoleFromContext(ctx), "no claims means auth is disabled")

	ctx = WithClaims(ctx, &auth.Claims{Role: model.RoleObserver})
	assert.Equal(t, model.RoleObserver, RoleFromContext(ctx))
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "req-1", RequestIDFromContext(WithRequestID(context.Background(), "req-1")))
}
