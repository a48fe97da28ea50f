// Command mock-model serves POST /predict for local development of the remote
// classifier path. It answers from a logistic model file.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/miradorstack/stressloop/internal/classifier"
)

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Proba [3]float64 `json:"proba"`
}

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	modelPath := flag.String("model", "configs/models/stress.yaml", "logistic model file")
	flag.Parse()

	model, err := classifier.LoadLogisticModel(*modelPath)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}
	if model == nil {
		log.Fatalf("model file %s not found", *modelPath)
	}

	logger := log.New(log.Writer(), "model-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, newMux(model)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func newMux(model classifier.Model) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Features) != 4 {
			http.Error(w, "expected {\"features\":[4 numbers]}", http.StatusBadRequest)
			return
		}
		var inputs [4]float64
		copy(inputs[:], req.Features)

		proba, err := model.PredictDistribution(r.Context(), inputs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, predictResponse{Proba: proba})
	})
	return mux
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

