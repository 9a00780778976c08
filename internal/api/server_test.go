package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/linjuya-lu/device-llap-go/internal/devicestore"
	"github.com/linjuya-lu/device-llap-go/internal/message"
	"github.com/linjuya-lu/device-llap-go/internal/supervisor"
)

type fakeBridge struct {
	state supervisor.State
	snap  message.StatusSnapshot
	err   error
	sent  []string
}

func (b *fakeBridge) State() supervisor.State { return b.state }
func (b *fakeBridge) Network() string         { return "Serial" }

func (b *fakeBridge) Status(context.Context) (message.StatusSnapshot, error) {
	return b.snap, b.err
}

func (b *fakeBridge) StatusResult(snap message.StatusSnapshot, keys []string) map[string]interface{} {
	return map[string]interface{}{"PANID": snap.Settings.PANID, "keys": len(keys)}
}

func (b *fakeBridge) SendWireless(_ context.Context, id, payload string) error {
	if payload == "bad" {
		return errors.New("invalid payload")
	}
	b.sent = append(b.sent, id+payload)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: bad json %q", method, path, rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	b := &fakeBridge{state: supervisor.StateRunning}
	h := NewServer(":0", logger.NewMockClient(), b).Router()

	rec, out := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || out["state"] != "Running" || out["network"] != "Serial" {
		t.Errorf("health = %d %v", rec.Code, out)
	}

	b.state = supervisor.StateError
	if rec, _ := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health in error state = %d", rec.Code)
	}
}

func TestStatusAndDevices(t *testing.T) {
	b := &fakeBridge{snap: message.StatusSnapshot{
		Settings:    message.RadioSettings{PANID: "5AA5"},
		DeviceStore: map[string]devicestore.Entry{"MA": {Payload: "TEMP21.5"}},
	}}
	h := NewServer(":0", logger.NewMockClient(), b).Router()

	rec, out := do(t, h, http.MethodGet, "/status", "")
	result, _ := out["result"].(map[string]interface{})
	if rec.Code != http.StatusOK || result["PANID"] != "5AA5" || result["keys"] != float64(len(statusKeys)) {
		t.Errorf("status = %d %v", rec.Code, out)
	}

	rec, out = do(t, h, http.MethodGet, "/devices/MA", "")
	if rec.Code != http.StatusOK || out["data"] != "TEMP21.5" {
		t.Errorf("device = %d %v", rec.Code, out)
	}
	if rec, _ := do(t, h, http.MethodGet, "/devices/MB", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device = %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodPost, "/devices/MA", `{"data":["HELLO","BATT"]}`)
	if rec.Code != http.StatusAccepted || len(b.sent) != 2 || b.sent[1] != "MABATT" {
		t.Errorf("send = %d %v", rec.Code, b.sent)
	}
	if rec, _ := do(t, h, http.MethodPost, "/devices/MA", `{"data":["bad"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid payload = %d", rec.Code)
	}

	b.err = errors.New("serial busy")
	if rec, _ := do(t, h, http.MethodGet, "/status", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status with serial down = %d", rec.Code)
	}
}
