package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/SailPilot/internal/debug"
	"github.com/cjeanneret/SailPilot/internal/hw/gpio"
	"github.com/cjeanneret/SailPilot/internal/hw/pwm"
	"github.com/cjeanneret/SailPilot/internal/logic/helm"
)

// ---------- Helpers ----------

type noSleep struct{}

func (noSleep) Sleep(time.Duration) {}

func testHelmConfig() helm.Config {
	return helm.Config{
		SharedEnablePin: 25,
		Winch: helm.Actuator{
			EnablePin: 27, Port: 18, Min: 0, Max: 180, SpeedDegPerSec: 25,
		},
		Rudder: helm.Actuator{
			EnablePin: 26, Port: 13, Min: 30, Max: 150, SpeedDegPerSec: 300,
		},
	}
}

func newTestServer(t *testing.T) (http.Handler, *pwm.MockDriver) {
	t.Helper()
	p := pwm.NewMockDriver()
	h := helm.New(testHelmConfig(), &gpio.MockDriver{}, p, noSleep{})
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return NewServer(":0", NewStatusBroadcaster(), h).Mux(), p
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) helm.State {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var st helm.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

// ---------- GET /state ----------

func TestHandleState(t *testing.T) {
	mux, _ := newTestServer(t)
	st := decodeState(t, do(t, mux, http.MethodGet, "/state", ""))

	if !st.Initialized {
		t.Error("state should report initialized")
	}
	if st.Rudder.Min != 30 || st.Rudder.Max != 150 {
		t.Errorf("rudder range = [%d,%d], want [30,150]", st.Rudder.Min, st.Rudder.Max)
	}
}

// ---------- POST /winch ----------

func TestHandleWinch_Position(t *testing.T) {
	mux, p := newTestServer(t)
	st := decodeState(t, do(t, mux, http.MethodPost, "/winch", `{"position":120}`))

	if st.Winch.Position != 120 {
		t.Errorf("winch position = %d, want 120", st.Winch.Position)
	}
	if deg, ok := p.Last(18); !ok || deg != 120 {
		t.Errorf("last pwm write on port 18 = %d (%v), want 120", deg, ok)
	}
}

func TestHandleWinch_Normalized(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"default_range", `{"normalized":45}`, 90},
		{"custom_range", `{"normalized":25,"from_low":0,"from_high":100}`, 45},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux, _ := newTestServer(t)
			st := decodeState(t, do(t, mux, http.MethodPost, "/winch", tc.body))
			if st.Winch.Position != tc.want {
				t.Errorf("winch position = %d, want %d", st.Winch.Position, tc.want)
			}
		})
	}
}

func TestHandleWinch_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid_json", "not json"},
		{"empty", `{}`},
		{"both_forms", `{"position":10,"normalized":10}`},
		{"empty_range", `{"normalized":10,"from_low":5,"from_high":5}`},
		{"oversized", `{"position":` + strings.Repeat("1", MaxBodyBytes+1) + `}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux, _ := newTestServer(t)
			w := do(t, mux, http.MethodPost, "/winch", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleWinch_GetNotAllowed(t *testing.T) {
	mux, _ := newTestServer(t)
	w := do(t, mux, http.MethodGet, "/winch", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ---------- POST /rudder, PUT /heel, POST /center ----------

func TestHandleRudder(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"position", `{"position":100}`, 100},
		{"position_clamped", `{"position":10}`, 30},
		{"from_center", `{"from_center":-20}`, 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux, _ := newTestServer(t)
			st := decodeState(t, do(t, mux, http.MethodPost, "/rudder", tc.body))
			if st.Rudder.Position != tc.want {
				t.Errorf("rudder position = %d, want %d", st.Rudder.Position, tc.want)
			}
		})
	}
}

func TestHandleRudder_MissingField(t *testing.T) {
	mux, _ := newTestServer(t)
	w := do(t, mux, http.MethodPost, "/rudder", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleHeel_ThenCenter(t *testing.T) {
	mux, _ := newTestServer(t)

	st := decodeState(t, do(t, mux, http.MethodPut, "/heel", `{"degrees":8}`))
	if st.HeelOffset != 8 {
		t.Errorf("heel offset = %d, want 8", st.HeelOffset)
	}

	st = decodeState(t, do(t, mux, http.MethodPost, "/center", ""))
	if st.Winch.Position != 180 {
		t.Errorf("winch position = %d, want 180", st.Winch.Position)
	}
	if st.Rudder.Position != 98 {
		t.Errorf("rudder position = %d, want 98", st.Rudder.Position)
	}
}

func TestHandleHeel_MissingDegrees(t *testing.T) {
	mux, _ := newTestServer(t)
	w := do(t, mux, http.MethodPut, "/heel", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ---------- Helm failures ----------

type failingHelm struct {
	Helm
	err error
}

func (f failingHelm) WinchTo(context.Context, int) error { return f.err }

func TestHandleWinch_HelmErrorIs500(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()
	debug.SetOutput(BroadcastWriter(b))
	debug.Init(debug.LevelInfo)
	t.Cleanup(func() {
		debug.Init(debug.LevelOff)
		debug.SetOutput(os.Stdout)
	})

	h := NewHandlers(b, failingHelm{err: errors.New("pwm fault")})
	req := httptest.NewRequest(http.MethodPost, "/winch", strings.NewReader(`{"position":10}`))
	w := httptest.NewRecorder()
	h.HandleWinch(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || !strings.Contains(evt.Msg, "pwm fault") {
			t.Errorf("event = %+v, want error level with cause", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("failure should be broadcast")
	}
}

// ---------- GET /status/stream ----------

func TestHandleStatusStream_DeliversBroadcast(t *testing.T) {
	b := NewStatusBroadcaster()
	h := NewHandlers(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/status/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.HandleStatusStream(w, req)
		close(done)
	}()

	// Wait for the handler to subscribe.
	deadline := time.Now().Add(time.Second)
	for {
		if b.Clients() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.BroadcastMsg("Winch to 90")
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.HasPrefix(body, ": connected") {
		t.Errorf("stream should start with a connected comment, got %q", body)
	}
	if !strings.Contains(body, `"msg":"Winch to 90"`) {
		t.Errorf("stream missing broadcast message: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}
