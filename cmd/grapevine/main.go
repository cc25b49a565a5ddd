// Copyright 2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command grapevine wires the core components together: it loads
// configuration, opens the Event Store, builds the Signature & Hash
// Verifier and the Event Ingress Pipeline, starts the Room View's publish
// bus, and serves the metrics endpoint. Transport (Client-Server and
// Server-Server HTTP) is an external collaborator this binary does not
// implement — it exists to give the core something to run as a process,
// per spec.md §6.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avdb13/grapevine/internal/config"
	"github.com/avdb13/grapevine/internal/logging"
	"github.com/avdb13/grapevine/internal/metrics"
	"github.com/avdb13/grapevine/internal/roommutex"
	"github.com/avdb13/grapevine/pkg/gomatrixlib"
	"github.com/avdb13/grapevine/roomserver/eventstore"
	"github.com/avdb13/grapevine/roomserver/input"
	"github.com/avdb13/grapevine/roomserver/roomview"
)

// Exit codes per spec.md §6.
const (
	exitOK = iota
	exitStoreCorrupt
	exitConfigInvalid
	exitSigningKeyUnavailable
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "grapevine.yaml", "path to the configuration document")
	signingKeyPath := flag.String("signing-key", "matrix_key.pem", "path to this server's signing key")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grapevine: invalid configuration: %v\n", err)
		return exitConfigInvalid
	}

	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grapevine: invalid configuration: %v\n", err)
		return exitConfigInvalid
	}
	defer closer.Close()
	logger := logging.Logger("main")

	keyID, privateKey, err := loadSigningKey(*signingKeyPath)
	if err != nil {
		logger.WithError(err).Error("signing key unavailable at startup")
		return exitSigningKeyUnavailable
	}
	logger.WithField("key_id", keyID).Info("loaded signing key")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventstore.Open(ctx, cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Error("failed to open event store")
		return exitStoreCorrupt
	}
	defer store.Close()

	fedClient := gomatrixlib.NewFederationClient(gomatrixlib.ServerName(cfg.ServerName), keyID, privateKey)
	liveCacheBytes := cfg.Keys.MaxCacheBytes
	keyRing, err := gomatrixlib.NewKeyRing(fedClient, liveCacheBytes)
	if err != nil {
		logger.WithError(err).Error("failed to construct key ring")
		return exitStoreCorrupt
	}

	srv, busConn, err := roomview.StartEmbeddedBus()
	if err != nil {
		logger.WithError(err).Error("failed to start room-events bus")
		return exitStoreCorrupt
	}
	defer busConn.Close()
	defer srv.Shutdown()

	view, err := roomview.New(store, busConn)
	if err != nil {
		logger.WithError(err).Error("failed to start room view")
		return exitStoreCorrupt
	}

	locks := roommutex.New(cfg.Limits.IngressQueuePerRoom)
	var backfill gomatrixlib.BackfillRequester
	if cfg.Federation.Enabled {
		backfill = fedClient
	}
	inputer := input.NewInputer(store, keyRing, backfill, locks, view, input.Limits{
		MaxEventBytes:    cfg.Limits.MaxEventBytes,
		MaxDepthBackfill: cfg.Limits.MaxDepthBackfill,
	})
	_ = inputer // handed to the transport adapter, which this binary does not implement

	metricsServer := &http.Server{
		Addr:    metricsAddr(cfg),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	logger.WithField("server_name", cfg.ServerName).Info("grapevine core ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()

	return exitOK
}

// metricsAddr picks the first configured listener as where to mount the
// metrics endpoint; observability.metrics carries any further detail and
// is opaque to the core.
func metricsAddr(cfg *config.Grapevine) string {
	if len(cfg.Listeners) == 0 {
		return ":8008"
	}
	l := cfg.Listeners[0]
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

func loadSigningKey(path string) (gomatrixlib.KeyID, ed25519.PrivateKey, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading signing key file %q: %w", path, err)
	}
	return gomatrixlib.LoadSigningKey(data)
}
