package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gobwas/wsgate"
)

func TestAdminRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newAdminRouter(zerolog.Nop(), time.Now())

	recordOpen("chat")
	recordMessage(wsgate.Message{OpCode: wsgate.OpText, Payload: []byte("hello")})
	recordDecodeError(wsgate.StatusMessageTooBig)
	recordClose()

	for _, test := range []struct {
		label  string
		path   string
		status int
		check  func(t *testing.T, body string)
	}{
		{
			label:  "health",
			path:   "/health",
			status: http.StatusOK,
			check: func(t *testing.T, body string) {
				var resp map[string]string
				if err := json.Unmarshal([]byte(body), &resp); err != nil {
					t.Fatalf("can not decode body: %v", err)
				}
				if resp["status"] != "ok" || resp["service"] != "wsgate" {
					t.Errorf("unexpected body: %s", body)
				}
			},
		},
		{
			label:  "metrics",
			path:   "/metrics",
			status: http.StatusOK,
			check: func(t *testing.T, body string) {
				for _, exp := range []string{
					`wsgate_sessions_opened_total{protocol="chat"}`,
					`wsgate_messages_received_total{opcode="text"}`,
					`wsgate_messages_decode_errors_total{code="1009"}`,
					`wsgate_sessions_active`,
				} {
					if !strings.Contains(body, exp) {
						t.Errorf("metrics do not contain %s", exp)
					}
				}
			},
		},
		{
			label:  "not_found",
			path:   "/nope",
			status: http.StatusNotFound,
		},
	} {
		t.Run(test.label, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, test.path, nil))
			if rec.Code != test.status {
				t.Fatalf("unexpected status: %d; want %d", rec.Code, test.status)
			}
			if test.check != nil {
				test.check(t, rec.Body.String())
			}
		})
	}
}
