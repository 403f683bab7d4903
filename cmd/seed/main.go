// Command seed provisions the development tenant so the auth bypass user
// (dev@localhost) resolves to a stable tenant id.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/config"
	"mcp-forge/backend/internal/logging"
	"mcp-forge/backend/internal/repository"
	"mcp-forge/backend/pkg/models"
)

func main() {
	configFile := flag.String("config", "", "path to the config file")
	domain := flag.String("domain", "localhost", "e-mail domain of the tenant to provision")
	flag.Parse()

	logger := logging.NewLogger()
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	if err := run(ctx, *configFile, *domain); err != nil {
		logger.Error("seeding failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, domain string) error {
	logger := pslog.Ctx(ctx)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	existing, err := store.GetTenantByDomain(ctx, domain)
	switch {
	case err == nil:
		logger.Info("found existing tenant", "id", existing.ID, "domain", existing.Domain)
		return nil
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	t := &models.Tenant{Name: "Local Dev Tenant", Domain: domain}
	if err := store.CreateTenant(ctx, t); err != nil {
		return err
	}
	logger.Info("seeded tenant", "id", t.ID, "domain", t.Domain)
	return nil
}
