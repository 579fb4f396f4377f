package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"image-batch-go/internal/batch"
	"image-batch-go/internal/compressor"
	"image-batch-go/internal/config"
	"image-batch-go/internal/items"
	"image-batch-go/internal/results"
	"image-batch-go/internal/transfer"
)

const (
	maxUploadMemory = 64 << 20
	blobTTL         = time.Minute
	wsWriteTimeout  = 5 * time.Second
	wsSendQueue     = 32
)

// wsClient owns one websocket connection. Only its writePump writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type Server struct {
	cfg        *config.Config
	ctrl       *batch.Controller
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*wsClient]bool
	wsMutex    sync.Mutex

	// Runs outlive the request that started them; runCtx ends them on Stop.
	runCtx      context.Context
	cancelRuns  context.CancelFunc
	blobs       *ttlworker.Cache[string, *transfer.Blob]
	unsubscribe func()
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AddPathsRequest queues images from directories or files on the server host.
type AddPathsRequest struct {
	Paths []string `json:"paths"`
}

// StartRequest overrides the configured compression settings for one run.
type StartRequest struct {
	Quality *int   `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type statusData struct {
	batch.Snapshot
	Summary string `json:"summary,omitempty"`
}

func NewServer(cfg *config.Config, ctrl *batch.Controller, log *logrus.Logger) *Server {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		ctrl:       ctrl,
		log:        log,
		router:     mux.NewRouter(),
		wsClients:  make(map[*wsClient]bool),
		runCtx:     runCtx,
		cancelRuns: cancel,
		blobs:      ttlworker.NewCache[string, *transfer.Blob](blobTTL),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.unsubscribe = ctrl.Subscribe(func(snap batch.Snapshot) {
		s.broadcastWSMessage("state", snap)
	})
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/batch").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/items", s.handleAddItems).Methods("POST")
	api.HandleFunc("/items", s.handleClearItems).Methods("DELETE")
	api.HandleFunc("/items/{id}", s.handleRemoveItem).Methods("DELETE")
	api.HandleFunc("/start", s.handleStart).Methods("POST")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/results/{id}/download", s.handleDownloadOne).Methods("GET")
	api.HandleFunc("/download-all", s.handleDownloadAll).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * s.cfg.Service.Timeout,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.unsubscribe()
	s.cancelRuns()

	s.wsMutex.Lock()
	for client := range s.wsClients {
		s.dropClientLocked(client)
	}
	s.wsMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()
	data := statusData{Snapshot: snap}
	if snap.Phase == batch.PhaseSucceeded {
		data.Summary = results.Summary(snap.Stats, snap.Results)
	}

	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (s *Server) handleAddItems(w http.ResponseWriter, r *http.Request) {
	var (
		added    []items.InputItem
		rejected int
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req AddPathsRequest
		if err := s.decodeJSON(r, &req); err != nil || len(req.Paths) == 0 {
			s.writeError(w, "Request must list at least one path", http.StatusBadRequest)
			return
		}
		for _, p := range req.Paths {
			if _, err := os.Stat(p); err != nil {
				s.writeError(w, fmt.Sprintf("Path does not exist: %s", p), http.StatusBadRequest)
				return
			}
		}
		var err error
		added, rejected, err = s.ctrl.AddPaths(req.Paths...)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read paths: %v", err), http.StatusInternalServerError)
			return
		}
	} else {
		sources, err := readUploads(r)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		added, rejected = s.ctrl.AddItems(sources...)
	}

	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Added %d item(s), skipped %d", len(added), rejected),
		Data: map[string]interface{}{
			"added":    added,
			"rejected": rejected,
		},
	})
}

// readUploads collects the "images" parts of a multipart form.
func readUploads(r *http.Request) ([]items.Source, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		return nil, errors.New(`no "images" parts in request`)
	}

	sources := make([]items.Source, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		sources = append(sources, items.Source{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Content:   content,
		})
	}
	return sources, nil
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ctrl.RemoveItem(id); err != nil {
		s.writeControllerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Item removed"})
}

func (s *Server) handleClearItems(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ClearItems()
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Items cleared"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	settings := s.cfg.Compression
	if req.Quality != nil {
		settings.Quality = *req.Quality
	}
	if req.Format != "" {
		format, err := compressor.ParseFormat(req.Format)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		settings.Format = format
	}

	run, err := s.ctrl.Start(s.runCtx, settings)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Batch started",
		Data: map[string]interface{}{
			"generation": run.Generation,
			"settings":   settings,
		},
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Reset()
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Batch reset"})
}

func (s *Server) handleDownloadOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.serveBlob(w, fmt.Sprintf("%d/%s", s.ctrl.Generation(), id), func() (*transfer.Blob, error) {
		return s.ctrl.DownloadOne(r.Context(), id)
	})
}

func (s *Server) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	s.serveBlob(w, fmt.Sprintf("%d/*", s.ctrl.Generation()), func() (*transfer.Blob, error) {
		return s.ctrl.DownloadAll(r.Context())
	})
}

// serveBlob answers from the blob cache while the run that produced the
// blob is still current, and fetches through the controller otherwise.
func (s *Server) serveBlob(w http.ResponseWriter, key string, fetch func() (*transfer.Blob, error)) {
	blob := s.blobs.Get(key)
	if blob == nil || s.ctrl.Phase() != batch.PhaseSucceeded {
		var err error
		blob, err = fetch()
		if err != nil {
			s.writeControllerError(w, err)
			return
		}
		s.blobs.Set(key, blob)
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, blob.FileName))
	w.Header().Set("Content-Length", fmt.Sprint(len(blob.Data)))
	if _, err := w.Write(blob.Data); err != nil {
		s.log.Errorf("Failed to write download %s: %v", blob.FileName, err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendQueue)}
	s.wsMutex.Lock()
	s.wsClients[client] = true
	s.wsMutex.Unlock()
	go s.writePump(client)

	s.log.Debug("WebSocket client connected")
	s.sendWSMessage(client, "state", s.ctrl.Snapshot())

	defer func() {
		s.wsMutex.Lock()
		s.dropClientLocked(client)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// writePump drains the client's queue until it is closed.
func (s *Server) writePump(client *wsClient) {
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			s.wsMutex.Lock()
			s.dropClientLocked(client)
			s.wsMutex.Unlock()
			return
		}
	}
}

func (s *Server) sendWSMessage(client *wsClient, messageType string, data interface{}) {
	msgBytes, err := sonic.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	s.enqueueLocked(client, msgBytes)
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	msgBytes, err := sonic.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for client := range s.wsClients {
		s.enqueueLocked(client, msgBytes)
	}
}

// enqueueLocked never blocks. A client whose queue is full is dropped.
func (s *Server) enqueueLocked(client *wsClient, msg []byte) {
	if !s.wsClients[client] {
		return
	}
	select {
	case client.send <- msg:
	default:
		s.log.Warn("WebSocket client too slow, disconnecting")
		s.dropClientLocked(client)
	}
}

// dropClientLocked unregisters client and stops its writePump. Safe to repeat.
func (s *Server) dropClientLocked(client *wsClient) {
	if !s.wsClients[client] {
		return
	}
	delete(s.wsClients, client)
	close(client.send)
}

func (s *Server) decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return sonic.Unmarshal(body, v)
}

// writeControllerError maps controller and transfer errors onto HTTP status codes.
func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning), errors.Is(err, batch.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, batch.ErrEmptyBatch), errors.Is(err, compressor.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, items.ErrNotFound), errors.Is(err, results.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transfer.ErrTransfer):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorf("Request failed: %v", err)
	}
	s.writeError(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := sonic.Marshal(data)
	if err != nil {
		s.log.Errorf("Failed to marshal response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}
