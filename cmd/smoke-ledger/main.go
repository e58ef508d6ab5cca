package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"ledgerbook.org/internal/config"
	"ledgerbook.org/internal/ids"
	"ledgerbook.org/internal/ledger"
	"ledgerbook.org/internal/ledger/remote"
	"ledgerbook.org/internal/obs"
)

func main() {
	addr := os.Getenv(config.Prefix + "GRPC_TARGET")
	if addr == "" {
		addr = "localhost:9090"
	}
	l := obs.Logger().With().Str("target", addr).Logger()

	client, err := remote.Dial(addr)
	if err != nil {
		l.Fatal().Err(err).Msg("dial ledger")
	}
	defer client.Close()
	client = client.WithToken(os.Getenv(config.Prefix + "SMOKE_TOKEN"))

	ctx, cancel := remote.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx, client); err != nil {
		l.Fatal().Err(err).Msg("smoke test failed")
	}
	l.Info().Msg("ledger smoke test passed")
}

func run(ctx context.Context, client *remote.Client) error {
	c, err := client.CreateCustomer(ctx, ledger.NewCustomer{
		Name: "Smoke Test Traders", Address: "1 Probe Road", State: "Smoke", District: "Check",
	})
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}

	inv, err := client.CreateInvoice(ctx, c.ID, []ledger.LineItem{
		{ProductID: "smoke-rice", UnitPrice: ledger.MustParseMoney("45.00"), Quantity: 2},
		{ProductID: "smoke-tea", UnitPrice: ledger.MustParseMoney("12.50"), Quantity: 1, Discount: ledger.MustParseMoney("2.50")},
	}, 0)
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	if want := ledger.MustParseMoney("100.00"); inv.Outstanding != want {
		return fmt.Errorf("invoice outstanding %s, want %s", inv.Outstanding, want)
	}

	key := "smoke-" + ids.New()
	pay, err := client.ApplyPayment(ctx, c.ID, ledger.MustParseMoney("60.00"), key)
	if err != nil {
		return fmt.Errorf("apply payment: %w", err)
	}
	replay, err := client.ApplyPayment(ctx, c.ID, ledger.MustParseMoney("60.00"), key)
	if err != nil {
		return fmt.Errorf("replay payment: %w", err)
	}
	if !replay.Replayed || replay.Transaction.ID != pay.Transaction.ID {
		return fmt.Errorf("idempotency key %s applied twice", key)
	}

	bal, err := client.GetCustomer(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("get customer: %w", err)
	}
	if want := ledger.MustParseMoney("40.00"); bal.BalanceDue != want {
		return fmt.Errorf("balance due %s, want %s", bal.BalanceDue, want)
	}

	if _, err := client.VoidInvoice(ctx, inv.ID, "smoke test cleanup"); err != nil {
		return fmt.Errorf("void invoice: %w", err)
	}
	return nil
}
