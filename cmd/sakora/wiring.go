package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/unicon/sakora/internal/cm/sqlite"
	"github.com/unicon/sakora/internal/config"
	"github.com/unicon/sakora/internal/ledger"
	"github.com/unicon/sakora/internal/sync"
	"github.com/unicon/sakora/internal/sync/scope"
)

// stores bundles the open data stores behind one Close.
type stores struct {
	cm     *sqlite.Store
	ledger *ledger.Store
}

func (s *stores) Close() {
	if s.ledger != nil {
		_ = s.ledger.Close()
	}
	if s.cm != nil {
		_ = s.cm.Close()
	}
}

// openStores opens the course management and ledger databases under the
// configured data directory.
func openStores(cfg *config.Config) (*stores, error) {
	cmStore, err := sqlite.Open(filepath.Join(cfg.DataDir, "cm.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open course management store: %w", err)
	}
	ledgerStore, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		_ = cmStore.Close()
		return nil, fmt.Errorf("failed to open shadow ledger: %w", err)
	}
	return &stores{cm: cmStore, ledger: ledgerStore}, nil
}

// buildRunner assembles the handler pipeline. Session, offering, and
// section handlers run first so the scope filter and the membership upserts
// see a fully loaded container universe.
func buildRunner(cfg *config.Config, st *stores, log *zap.Logger) (*sync.Runner, error) {
	filter := scope.New(scope.Config{
		IgnoreMissingSessions:    cfg.Handlers.IgnoreMissingSessions,
		IgnoreMembershipRemovals: cfg.Handlers.IgnoreMembershipRemovals,
	}, st.cm, log)

	membership, err := sync.NewMembershipHandler(sync.MembershipConfig{
		Mode:                         sync.Mode(cfg.Handlers.Mode),
		TaRole:                       cfg.Handlers.TaRole,
		StudentRole:                  cfg.Handlers.StudentRole,
		InstructorRole:               cfg.Handlers.InstructorRole,
		DefaultCredits:               cfg.Handlers.DefaultCredits,
		DefaultGradingScheme:         cfg.Handlers.DefaultGradingScheme,
		DefaultEnrollmentSetCategory: cfg.Handlers.DefaultEnrollmentSetCategory,
		SearchPageSize:               cfg.Handlers.SearchPageSize,
	}, st.cm, st.cm, nil, st.ledger, filter, log)
	if err != nil {
		return nil, err
	}

	handlers := []sync.Handler{
		sync.NewSessionHandler(st.cm, st.ledger, log),
		sync.NewOfferingHandler(st.cm, st.ledger, log),
		sync.NewSectionHandler(st.cm, st.ledger, log),
		membership,
	}
	return sync.NewRunner(handlers, filter, log), nil
}
