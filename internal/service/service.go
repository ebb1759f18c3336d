// Package service contains the connection orchestrator, its session
// monitors, and the daemon's control surface.
package service

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polytun/internal/core"
	"polytun/internal/store"
)

// Service ties the orchestrator, the profile store, and the control
// socket together into the long-running daemon.
type Service struct {
	cfg       core.Config
	store     *store.Store
	connector *Connector
	control   *ControlServer
	metrics   *http.Server

	shutdown chan struct{}
}

// New assembles the daemon from config and an opened store. Deps come
// from DefaultDeps unless the caller overrides them first.
func New(cfg core.Config, st *store.Store, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     st,
		connector: NewConnector(deps),
		shutdown:  make(chan struct{}),
	}
	s.control = NewControlServer(cfg.ControlSocket, s)
	return s
}

// Connector exposes the orchestrator, mainly for tests.
func (s *Service) Connector() *Connector { return s.connector }

// Start brings up the control socket and, when configured, the metrics
// endpoint, then fires the resume trigger.
func (s *Service) Start(ctx context.Context) error {
	if err := s.control.Start(); err != nil {
		return err
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				core.Log.Warnf("Control", "Metrics server: %v", err)
			}
		}()
		core.Log.Infof("Control", "Metrics on %s", s.cfg.MetricsAddr)
	}

	go s.resume(ctx)
	return nil
}

// Wait blocks until a shutdown request arrives or ctx is cancelled.
func (s *Service) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.shutdown:
	}
}

// Stop tears the daemon down: control surface first, then the session.
func (s *Service) Stop() {
	s.control.Stop()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.metrics.Shutdown(ctx)
		cancel()
	}
	s.connector.Close()
}

// resume re-issues connect from durable state after an unexpected
// restart. A clean disconnect clears the flag, so this only fires when
// the previous process died with a session up.
func (s *Service) resume(ctx context.Context) {
	st, err := s.store.LoadLastState()
	if err != nil || !st.WasConnected || st.ProfileID == "" {
		return
	}
	core.Log.Infof("Orchestrator", "Resuming last session (profile %s)", st.ProfileID)
	if err := s.connector.Connect(ctx, st.ProfileID); err != nil {
		core.Log.Warnf("Orchestrator", "Resume failed: %v", err)
	}
}

// ─── ControlHandler implementation ──────────────────────────────────

func (s *Service) HandleStatus() *Status {
	state := s.connector.State()
	st := &Status{
		PID:   os.Getpid(),
		Phase: state.Phase.String(),
	}
	if state.Profile != nil {
		st.Profile = state.Profile.Name
	}
	st.Message = state.Message
	if rx, tx, ok := s.connector.Stats(); ok {
		st.RxBytes, st.TxBytes = rx, tx
	}
	return st
}

func (s *Service) HandleConnect(profileID string) error {
	return s.connector.Connect(context.Background(), profileID)
}

func (s *Service) HandleDisconnect() {
	s.connector.Disconnect()
}

func (s *Service) HandleShutdown() {
	close(s.shutdown)
}

func (s *Service) HandleListProfiles() ([]*core.TunnelProfile, error) {
	return s.store.ListProfiles()
}

func (s *Service) HandleSaveProfile(p *core.TunnelProfile) error {
	id, err := s.store.SaveProfile(p)
	if err != nil {
		return err
	}
	core.Log.Infof("Control", "Saved profile %s", id)
	return nil
}

func (s *Service) HandleDeleteProfile(id string) error {
	return s.store.DeleteProfile(id)
}
