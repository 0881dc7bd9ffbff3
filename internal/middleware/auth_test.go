package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/valyala/fasthttp"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestJWTAuth(t *testing.T) {
	valid := jwt.MapClaims{"sub": "booking", "iss": "attribution-engine", "exp": time.Now().Add(time.Hour).Unix()}
	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing token", header: "", status: fasthttp.StatusUnauthorized},
		{name: "valid bearer", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), valid), status: fasthttp.StatusOK},
		{name: "wrong secret", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), valid), status: fasthttp.StatusUnauthorized},
		{name: "wrong issuer", header: sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "booking", "iss": "someone"}), status: fasthttp.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"iss": "attribution-engine", "exp": time.Now().Add(-time.Minute).Unix()}), status: fasthttp.StatusUnauthorized},
		{name: "unsigned", header: "Bearer " + sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid), status: fasthttp.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var service string
			handler := JWTAuth(secret, "attribution-engine", nil)(func(ctx *fasthttp.RequestCtx) {
				service = string(ctx.Request.Header.Peek(HeaderServiceID))
				ctx.SetStatusCode(fasthttp.StatusOK)
			})

			ctx := &fasthttp.RequestCtx{}
			if tt.header != "" {
				ctx.Request.Header.Set("Authorization", tt.header)
			}
			handler(ctx)

			if ctx.Response.StatusCode() != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, ctx.Response.StatusCode())
			}
			if tt.status == fasthttp.StatusOK && service != "booking" {
				t.Fatalf("expected the subject to be forwarded, got %q", service)
			}
		})
	}
}

func TestJWTAuthDisabledWithoutSecret(t *testing.T) {
	called := false
	handler := JWTAuth("", "", nil)(func(ctx *fasthttp.RequestCtx) { called = true })
	handler(&fasthttp.RequestCtx{})
	if !called {
		t.Fatalf("requests should pass through without a secret")
	}
}
