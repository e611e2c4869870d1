package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/logging"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/store"
)

var (
	accounts int
	prefix   string
	balance  string
)

func init() {
	flag.IntVar(&accounts, "accounts", 100, "Number of accounts to open")
	flag.StringVar(&prefix, "prefix", "acct-", "Account id prefix")
	flag.StringVar(&balance, "balance", "100.00", "Opening grant per account")
}

func main() {
	flag.Parse()
	cfg := config.Load()
	log := logging.New("seeder", cfg.LogLevel, cfg.LogFormat)

	opening, err := credits.Parse(balance)
	if err != nil || opening.IsNegative() {
		log.Fatal().Err(err).Str("balance", balance).Msg("invalid opening balance")
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	l := ledger.New(st, log, ledger.Options{ConflictRetries: cfg.LedgerConflictRetries})
	created, skipped := 0, 0
	for i := 0; i < accounts; i++ {
		id := fmt.Sprintf("%s%04d", prefix, i)
		_, err := l.CreateAccount(ctx, id, opening)
		switch {
		case errors.Is(err, models.ErrAccountExists):
			skipped++
		case err != nil:
			log.Error().Err(err).Str("account_id", id).Msg("open account failed")
			os.Exit(1)
		default:
			created++
		}
	}
	log.Info().Int("created", created).Int("skipped", skipped).Str("opening", opening.String()).Msg("seeding finished")
}
