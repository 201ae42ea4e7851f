package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/model"
	"github.com/sells-group/intel-engine/internal/pipeline"
	"github.com/sells-group/intel-engine/internal/progress"
	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/internal/similar"
)

var servePort int

// researchService is the slice of the pipeline engine the HTTP layer
// uses.
type researchService interface {
	Start(req pipeline.Request) (string, error)
	Cancel(jobID string) bool
}

// similarityService is the slice of the similarity engine the HTTP
// layer uses.
type similarityService interface {
	Discover(ctx context.Context, q similar.Query) ([]similar.Result, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve research and similarity over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		if port == 0 {
			port = 8080
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Engine, env.Similar, env.Bus),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(research researchService, sim similarityService, bus *progress.Bus) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/research", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name    string `json:"name"`
			Website string `json:"website"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		jobID, err := research.Start(pipeline.Request{
			Name:         body.Name,
			Website:      body.Website,
			GuessWebsite: true,
		})
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"events": fmt.Sprintf("/jobs/%s/events", jobID),
		})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := bus.Snapshot(chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Get("/jobs/{id}/events", func(w http.ResponseWriter, req *http.Request) {
		streamEvents(w, req, bus)
	})

	r.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		jobID := chi.URLParam(req, "id")
		if !research.Cancel(jobID) {
			writeError(w, http.StatusNotFound, "no running job with that id")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "job_id": jobID})
	})

	r.Post("/similar", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ID        string  `json:"id"`
			Name      string  `json:"name"`
			Source    string  `json:"source"`
			K         int     `json:"k"`
			Threshold float64 `json:"threshold"`
			Explain   bool    `json:"explain"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		results, err := sim.Discover(req.Context(), similar.Query{
			ID:        body.ID,
			Text:      body.Name,
			Source:    similar.Source(body.Source),
			K:         body.K,
			Threshold: body.Threshold,
			Explain:   body.Explain,
		})
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	return r
}

// streamEvents relays a job's progress bus subscription as
// server-sent events until the job reaches a terminal state or the
// client disconnects.
func streamEvents(w http.ResponseWriter, req *http.Request, bus *progress.Bus) {
	jobID := chi.URLParam(req, "id")
	events, unsubscribe, err := bus.Subscribe(req.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Research jobs can outlive the server's default write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, eventName(ev), ev)
		}
	}
}

func eventName(ev model.ProgressEvent) string {
	if ev.Terminal() {
		return "complete"
	}
	return "progress"
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

func statusFor(err error) int {
	if resilience.Classify(err) == resilience.KindInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
