package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/go-chi/chi/v5"

	"github.com/commonstate/converge/converge"
	"github.com/commonstate/converge/protocol"
)

const LocalVersion = "0.0.0-local"

const DefaultHistoryLimit = 100

func main() {
	usage := `Converge sync server.

Configuration can also come from the environment:
    CONVERGE_AUTH_SECRET, CONVERGE_REDIS_URL, CONVERGE_PG_URL

Usage:
    converged run [--port=<port>]
        [--auth_secret=<auth_secret>]
        [--redis_url=<redis_url>]
        [--pg_url=<pg_url>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --auth_secret=<auth_secret>  HMAC secret for client tokens.
    --redis_url=<redis_url>      Redis backplane url. Single process when unset.
    --pg_url=<pg_url>            Postgres persistence url. In-memory when unset.
    -p --port=<port>             Listen port [default: 8080].`

	// glog reads its flags from the standard flag set
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	authSecret := stringOpt(opts, "--auth_secret", "CONVERGE_AUTH_SECRET")
	if authSecret == "" {
		panic(fmt.Errorf("Missing auth secret. Pass --auth_secret or set CONVERGE_AUTH_SECRET."))
	}
	redisUrl := stringOpt(opts, "--redis_url", "CONVERGE_REDIS_URL")
	pgUrl := stringOpt(opts, "--pg_url", "CONVERGE_PG_URL")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		defer cancel()
		select {
		case <-stop:
		case <-cancelCtx.Done():
		}
	}()

	ctx := cancelCtx

	var persistence converge.Persistence
	if pgUrl != "" {
		pgPersistence, err := converge.NewPgPersistence(ctx, pgUrl)
		if err != nil {
			panic(err)
		}
		defer pgPersistence.Close()
		persistence = pgPersistence
	}

	var backplane converge.Backplane
	if redisUrl != "" {
		redisBackplane, err := converge.NewRedisBackplane(ctx, redisUrl)
		if err != nil {
			panic(err)
		}
		defer redisBackplane.Close()
		backplane = redisBackplane
	} else {
		backplane = converge.NewMemoryBackplane()
	}

	store := converge.NewVersionedStore(ctx, persistence, converge.DefaultStoreSettings())
	defer store.Close()

	registry := converge.NewConnectionRegistryWithDefaults(ctx)
	defer registry.Close()

	service, err := converge.NewSyncService(ctx, store, registry, backplane, converge.DefaultServiceSettings())
	if err != nil {
		panic(err)
	}
	defer service.Close()

	authenticator := converge.NewAuthenticator([]byte(authSecret))
	transport := converge.NewSyncTransportWithDefaults(ctx, service, authenticator)
	defer transport.Close()

	router := chi.NewRouter()
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status(service, w)
	})
	router.Get("/ws", transport.ServeHTTP)
	router.Get("/resources/{resourceId}", func(w http.ResponseWriter, r *http.Request) {
		getResource(service, w, r)
	})
	router.Get("/resources/{resourceId}/history", func(w http.ResponseWriter, r *http.Request) {
		getHistory(service, w, r)
	})

	fmt.Printf(
		"converged %s on *:%d\n",
		RequireVersion(),
		port,
	)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			fmt.Printf("server error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// exit
	os.Exit(0)
}

func status(service *converge.SyncService, w http.ResponseWriter) {
	type StatusResult struct {
		Version string `json:"version"`
		Status  string `json:"status"`
		Host    string `json:"host"`
		*converge.ServiceStatus
	}

	result := &StatusResult{
		Version:       RequireVersion(),
		Status:        "ok",
		Host:          RequireHost(),
		ServiceStatus: service.Status(),
	}
	writeJson(w, result)
}

func getResource(service *converge.SyncService, w http.ResponseWriter, r *http.Request) {
	resourceId := chi.URLParam(r, "resourceId")

	snapshot, err := service.Snapshot(r.Context(), resourceId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJson(w, snapshot)
}

func getHistory(service *converge.SyncService, w http.ResponseWriter, r *http.Request) {
	resourceId := chi.URLParam(r, "resourceId")

	limit := DefaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			http.Error(w, "Malformed limit.", http.StatusBadRequest)
			return
		}
		limit = n
	}

	type HistoryResult struct {
		ResourceId string             `json:"resourceId"`
		Changes    []*protocol.Change `json:"changes"`
	}

	result := &HistoryResult{
		ResourceId: resourceId,
		Changes:    service.History(resourceId, limit),
	}
	writeJson(w, result)
}

func writeJson(w http.ResponseWriter, result any) {
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func stringOpt(opts docopt.Opts, name string, envKey string) string {
	if value := opts[name]; value != nil {
		if s, ok := value.(string); ok && s != "" {
			return s
		}
	}
	return os.Getenv(envKey)
}

func RequireHost() string {
	if host := os.Getenv("CONVERGE_HOST"); host != "" {
		return host
	}
	host, err := os.Hostname()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("CONVERGE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
