// Package main provides the capflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/lainie-ftw/capflow/pkg/control"
	"github.com/lainie-ftw/capflow/pkg/eventbus"
	"github.com/lainie-ftw/capflow/pkg/persistence"
	"github.com/lainie-ftw/capflow/pkg/runs"
	"github.com/lainie-ftw/capflow/pkg/web"
	"github.com/lainie-ftw/capflow/pkg/workflows"
)

type API struct {
	logger   *slog.Logger
	store    persistence.Store
	eventBus eventbus.EventBus
}

func NewAPI(logger *slog.Logger, store persistence.Store, eventBus eventbus.EventBus) *API {
	return &API{
		logger:   logger,
		store:    store,
		eventBus: eventBus,
	}
}

func (a *API) Start(port int) error {
	runService := runs.NewService(a.store, a.eventBus)
	controlService := control.NewService(a.store, a.eventBus, workflows.Queries(), "api")

	app := web.NewApp(runService, controlService, a.store)

	return app.Listen(":" + strconv.Itoa(port))
}
