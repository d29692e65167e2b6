package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxInject = 1000

// ControlAPI is the HTTP control surface of the simulator
type ControlAPI struct {
	baseCtx   context.Context
	sim       *Simulator
	generator *ChatGenerator
	logger    zerolog.Logger
}

// NewControlAPI creates the API. Runs started through it live until
// baseCtx is cancelled or /stop is called.
func NewControlAPI(baseCtx context.Context, sim *Simulator, generator *ChatGenerator, logger zerolog.Logger) *ControlAPI {
	return &ControlAPI{
		baseCtx:   baseCtx,
		sim:       sim,
		generator: generator,
		logger:    logger.With().Str("component", "control_api").Logger(),
	}
}

// SetupRoutes configures HTTP routes
func (api *ControlAPI) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/start", api.startHandler).Methods("POST")
	router.HandleFunc("/stop", api.stopHandler).Methods("POST")
	router.HandleFunc("/stats", api.statsHandler).Methods("GET")

	router.HandleFunc("/chats/config", api.chatsConfigHandler).Methods("GET", "PUT")
	router.HandleFunc("/chats/inject", api.chatsInjectHandler).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (api *ControlAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *ControlAPI) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     api.sim.Running(),
		"totalAgents": len(api.sim.profiles),
	})
}

func (api *ControlAPI) startHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActiveAgents int `json:"activeAgents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := api.sim.Start(api.baseCtx, req.ActiveAgents); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		api.logger.Error().Err(err).Msg("failed to start simulation")
		http.Error(w, "failed to start simulation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "simulation started",
		"active_agents": api.sim.Stats()["active_agents"],
	})
}

func (api *ControlAPI) stopHandler(w http.ResponseWriter, r *http.Request) {
	if !api.sim.Running() {
		http.Error(w, "simulation not running", http.StatusConflict)
		return
	}
	api.sim.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "simulation stopped"})
}

func (api *ControlAPI) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.sim.Stats())
}

// chatsConfigHandler gets or updates the generation rates
func (api *ControlAPI) chatsConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		depts := map[string]interface{}{}
		for dept, cfg := range api.generator.GetDepartmentConfigs() {
			depts[dept] = map[string]interface{}{"chatsPerMin": cfg.ChatsPerMin}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"peakHourFactor": api.generator.PeakHourFactor(),
			"departments":    depts,
		})
		return
	}

	var req struct {
		PeakHourFactor *float64 `json:"peakHourFactor,omitempty"`
		Departments    map[string]struct {
			ChatsPerMin float64 `json:"chatsPerMin"`
		} `json:"departments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PeakHourFactor != nil {
		if *req.PeakHourFactor < 0 {
			http.Error(w, "peakHourFactor must not be negative", http.StatusBadRequest)
			return
		}
		api.generator.SetPeakHourFactor(*req.PeakHourFactor)
	}

	current := api.generator.GetDepartmentConfigs()
	for dept, update := range req.Departments {
		if existing, ok := current[dept]; ok {
			existing.ChatsPerMin = update.ChatsPerMin
			api.generator.SetDepartmentConfig(dept, existing)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "chat config updated"})
}

// chatsInjectHandler forces count escalations right away
func (api *ControlAPI) chatsInjectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count      int    `json:"count"`
		Department string `json:"department,omitempty"`
		Message    string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxInject {
		req.Count = maxInject
	}
	if req.Message == "" {
		req.Message = "I need to talk to a human"
	}

	depts := []string{"general", "billing", "technical", "sales"}
	stamp := time.Now().UnixNano()

	injected, failed := 0, 0
	for i := 0; i < req.Count; i++ {
		dept := req.Department
		if dept == "" {
			dept = depts[i%len(depts)]
		}
		user := fmt.Sprintf("inject-%d-%d", stamp, i)
		if _, err := api.generator.Inject(r.Context(), dept, user, req.Message, true); err != nil {
			failed++
			continue
		}
		injected++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  fmt.Sprintf("injected %d chats", injected),
		"injected": injected,
		"errors":   failed,
	})
}

// Start serves the API until ctx is cancelled
func (api *ControlAPI) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
