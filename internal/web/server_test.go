package web

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"

	"image-batch-go/internal/batch"
	"image-batch-go/internal/compressor"
	"image-batch-go/internal/config"
	"image-batch-go/internal/items"
	"image-batch-go/internal/logger"
	"image-batch-go/internal/results"
	"image-batch-go/internal/transfer"
)

type stubClient struct {
	fetches  atomic.Int32
	settings atomic.Value
}

func (c *stubClient) SubmitBatch(ctx context.Context, list []items.InputItem, settings compressor.Settings, onProgress transfer.ProgressFunc) (*results.Batch, error) {
	c.settings.Store(settings)
	onProgress(0)
	onProgress(100)
	out := make([]results.CompressedResult, 0, len(list))
	for i, it := range list {
		out = append(out, results.CompressedResult{
			ID:             "r" + string(rune('1'+i)),
			Name:           it.Name,
			Format:         settings.Format,
			OriginalSize:   it.Size,
			CompressedSize: it.Size / 2,
		})
	}
	return results.NewBatch(out), nil
}

func (c *stubClient) FetchOne(ctx context.Context, id string) (*transfer.Blob, error) {
	c.fetches.Add(1)
	return &transfer.Blob{Data: []byte("bytes-of-" + id)}, nil
}

func (c *stubClient) FetchArchive(ctx context.Context) (*transfer.Blob, error) {
	return &transfer.Blob{Data: []byte("PK"), ContentType: "application/zip"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubClient, *batch.Controller) {
	t.Helper()
	client := &stubClient{}
	ctrl := batch.New(client, logger.Discard())
	s := NewServer(config.DefaultConfig(), ctrl, logger.Discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop(context.Background())
		ctrl.Close()
	})
	return ts, client, ctrl
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(8, 8, color.White), imaging.PNG); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadItems(t *testing.T, url string, names ...string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range names {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="images"; filename="`+name+`"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(pngBytes(t))
	}
	mw.Close()

	resp, err := http.Post(url+"/api/batch/items", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out APIResponse
	if err := sonic.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func waitPhase(t *testing.T, ctrl *batch.Controller, want batch.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase = %s, want %s", ctrl.Phase(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBatchLifecycle(t *testing.T) {
	ts, client, ctrl := newTestServer(t)

	resp := uploadItems(t, ts.URL, "a.png", "b.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	decode(t, resp)
	if n := len(ctrl.Items()); n != 2 {
		t.Fatalf("queued %d items, want 2", n)
	}

	resp, err := http.Post(ts.URL+"/api/batch/start", "application/json", strings.NewReader(`{"quality":60,"format":"webp"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	waitPhase(t, ctrl, batch.PhaseSucceeded)

	if got := client.settings.Load().(compressor.Settings); got != (compressor.Settings{Quality: 60, Format: compressor.FormatWebP}) {
		t.Errorf("settings = %+v", got)
	}

	for i := 0; i < 2; i++ {
		resp, err = http.Get(ts.URL + "/api/batch/results/r1/download")
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(data) != "bytes-of-r1" {
			t.Fatalf("download = %d %q", resp.StatusCode, data)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "compressed_r1.webp") {
			t.Errorf("Content-Disposition = %q", cd)
		}
	}
	if n := client.fetches.Load(); n != 1 {
		t.Errorf("service fetched %d times, want 1 (cached)", n)
	}

	resp, err = http.Get(ts.URL + "/api/batch/results/zzz/download")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown result status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/batch/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/batch/download-all")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("download after reset status = %d, want 409", resp.StatusCode)
	}
}

func TestStartErrors(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/batch/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := decode(t, resp)
	if resp.StatusCode != http.StatusBadRequest || out.Success {
		t.Errorf("empty batch start = %d %+v", resp.StatusCode, out)
	}

	decode(t, uploadItems(t, ts.URL, "a.png"))
	resp, err = http.Post(ts.URL+"/api/batch/start", "application/json", strings.NewReader(`{"quality":3}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid quality status = %d, want 400", resp.StatusCode)
	}
}

func TestRemoveUnknownItem(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/batch/items/missing", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketStateFeed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	readState := func() map[string]interface{} {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := sonic.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "state" {
			t.Fatalf("message type = %q", msg.Type)
		}
		return msg.Data
	}

	if phase := readState()["phase"]; phase != "idle" {
		t.Errorf("initial phase = %v", phase)
	}

	decode(t, uploadItems(t, ts.URL, "a.png"))
	state := readState()
	if list, _ := state["items"].([]interface{}); len(list) != 1 {
		t.Errorf("items in pushed state = %v", state["items"])
	}
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	ctrl := batch.New(&stubClient{}, logger.Discard())
	s := NewServer(config.DefaultConfig(), ctrl, logger.Discard())
	t.Cleanup(func() {
		s.Stop(context.Background())
		ctrl.Close()
	})

	// Neither client has a writePump, so nothing drains their queues.
	slow := &wsClient{send: make(chan []byte, 1)}
	slow.send <- []byte("pending")
	ready := &wsClient{send: make(chan []byte, 1)}
	s.wsMutex.Lock()
	s.wsClients[slow] = true
	s.wsClients[ready] = true
	s.wsMutex.Unlock()

	done := make(chan struct{})
	go func() {
		s.broadcastWSMessage("state", ctrl.Snapshot())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client queue")
	}

	s.wsMutex.Lock()
	_, slowKept := s.wsClients[slow]
	_, readyKept := s.wsClients[ready]
	s.wsMutex.Unlock()
	if slowKept {
		t.Error("slow client still registered")
	}
	if !readyKept {
		t.Error("ready client was dropped")
	}

	select {
	case msg := <-ready.send:
		if !strings.Contains(string(msg), `"type":"state"`) {
			t.Errorf("queued message = %s", msg)
		}
	default:
		t.Error("ready client received nothing")
	}
}
