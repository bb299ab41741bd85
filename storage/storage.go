// Package storage owns the local any-store database shared by the
// entity and queue storages.
package storage

import (
	"context"
	"os"
	"path/filepath"

	anystore "github.com/anyproto/any-store"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/config"
)

const CName = "flatsync.storage"

type configGetter interface {
	GetStorage() config.Storage
}

type Service interface {
	app.ComponentRunnable
	DB() anystore.DB
}

func New() Service {
	return &service{}
}

// NewWithDB wraps an already opened database, used by tests.
func NewWithDB(db anystore.DB) Service {
	return &service{db: db, external: true}
}

type service struct {
	path     string
	db       anystore.DB
	external bool
}

func (s *service) Init(a *app.App) (err error) {
	if s.external {
		return
	}
	s.path = a.MustComponent(config.CName).(configGetter).GetStorage().Path
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	if s.external {
		return
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return
	}
	s.db, err = anystore.Open(ctx, s.path, nil)
	return
}

func (s *service) DB() anystore.DB {
	return s.db
}

func (s *service) Close(ctx context.Context) (err error) {
	if s.external || s.db == nil {
		return
	}
	return s.db.Close()
}
