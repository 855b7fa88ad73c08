package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"predictmarket/internal/engine"
	"predictmarket/internal/nonce"
)

func TestCreateOrder_RejectsUnknownEnums(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &OrderHandler{Matcher: &engine.Matcher{}, Nonces: &nonce.Store{}}
	router := gin.New()
	h.Register(router)

	cases := []struct {
		name string
		body string
	}{
		{
			"unknown order_type",
			`{"market_id":"m1","maker":"0x1","side":"buy","signature":"0x00","order_type":"foo"}`,
		},
		{
			"unknown time_in_force",
			`{"market_id":"m1","maker":"0x1","side":"buy","signature":"0x00","time_in_force":"IOC"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d want 400", rec.Code)
			}
		})
	}
}
