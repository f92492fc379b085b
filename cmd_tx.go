package main

import (
	"context"
	"fmt"
	"os"

	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	"github.com/linlinbupt123-crypto/hdwallet_core/service"
	"github.com/urfave/cli"
)

var txCommand = cli.Command{
	Name:     "tx",
	Category: "Chain",
	Usage:    "Send and track transfers.",
	Subcommands: []cli.Command{
		{
			Name:  "send",
			Usage: "Create, sign and broadcast a transfer.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "wallet", Usage: "wallet id"},
				cli.StringFlag{Name: "from", Usage: "sending address of the wallet"},
				cli.StringFlag{Name: "to", Usage: "recipient address"},
				cli.StringFlag{Name: "amount", Usage: "decimal amount in whole units, e.g. 0.5"},
				cli.StringFlag{Name: "network", Usage: "network name"},
				cli.StringFlag{Name: "fee", Value: "standard", Usage: "slow, standard or fast"},
				cli.StringFlag{Name: "token", Usage: "token contract for a TRC-20/ERC-20 transfer"},
				cli.IntFlag{Name: "decimals", Value: -1, Usage: "token decimals, read from the contract when unset"},
				cli.BoolFlag{Name: "wait", Usage: "wait until the transfer is final"},
			},
			Action: actionDecorator(sendTx),
		},
		{
			Name:  "status",
			Usage: "Show a transfer, optionally polling the chain once.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "id", Usage: "record id"},
				cli.BoolFlag{Name: "poll", Usage: "query the chain for confirmations"},
			},
			Action: actionDecorator(txStatus),
		},
		{
			Name:   "cancel",
			Usage:  "Cancel a transfer that was not broadcast.",
			Flags:  []cli.Flag{cli.StringFlag{Name: "id", Usage: "record id"}},
			Action: actionDecorator(cancelTx),
		},
		{
			Name:  "reconcile",
			Usage: "Resolve transfers whose broadcast outcome is unknown.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "id", Usage: "record id"},
				cli.BoolFlag{Name: "all", Usage: "every record with an unknown outcome"},
				cli.IntFlag{Name: "limit", Value: 100, Usage: "batch size with --all"},
			},
			Action: actionDecorator(reconcileTx),
		},
	},
}

// warnAudit reports an audit write failure. The operation itself succeeded.
func warnAudit(out *service.Outcome) {
	out.Audit.WhenErr(func(err error) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	})
}

func sendTx(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	req := service.TransferRequest{
		WalletID:      c.String("wallet"),
		From:          c.String("from"),
		ToAddress:     c.String("to"),
		Amount:        c.String("amount"),
		Network:       c.String("network"),
		FeeLevel:      c.String("fee"),
		TokenContract: c.String("token"),
	}
	if d := c.Int("decimals"); d >= 0 {
		decimals := uint8(d)
		req.Decimals = &decimals
	}

	out, err := rt.orch.Create(ctx, req)
	if err != nil {
		return err
	}
	warnAudit(out)
	id := out.Record.ID

	if out, err = rt.orch.Sign(ctx, id); err != nil {
		return fmt.Errorf("record %s created but not signed: %w", id, err)
	}
	warnAudit(out)

	if out, err = rt.orch.Broadcast(ctx, id); err != nil {
		return fmt.Errorf("record %s: %w", id, err)
	}
	warnAudit(out)

	if c.Bool("wait") {
		if out, err = rt.orch.WaitForConfirmation(ctx, id, 0, 0); err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		warnAudit(out)
	}
	printJSON(service.SnapshotOf(out.Record))
	return nil
}

func txStatus(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	id := c.String("id")
	if id == "" {
		return cli.ShowCommandHelp(c, "status")
	}
	if c.Bool("poll") {
		snap, err := rt.orch.Snapshot(ctx, id)
		if err != nil {
			return err
		}
		if snap.Status == entity.TxPending {
			out, err := rt.orch.PollConfirmation(ctx, id)
			if err != nil {
				return err
			}
			warnAudit(out)
		}
	}
	snap, err := rt.orch.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	printJSON(snap)
	return nil
}

func cancelTx(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	id := c.String("id")
	if id == "" {
		return cli.ShowCommandHelp(c, "cancel")
	}
	out, err := rt.orch.Cancel(ctx, id)
	if err != nil {
		return err
	}
	warnAudit(out)
	printJSON(service.SnapshotOf(out.Record))
	return nil
}

func reconcileTx(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	if c.Bool("all") {
		outs, err := rt.orch.ReconcileAll(ctx, c.Int("limit"))
		snaps := make([]*service.TransactionSnapshot, 0, len(outs))
		for _, out := range outs {
			warnAudit(out)
			snaps = append(snaps, service.SnapshotOf(out.Record))
		}
		printJSON(snaps)
		return err
	}

	id := c.String("id")
	if id == "" {
		return cli.ShowCommandHelp(c, "reconcile")
	}
	out, err := rt.orch.Reconcile(ctx, id)
	if err != nil {
		return err
	}
	warnAudit(out)
	printJSON(service.SnapshotOf(out.Record))
	return nil
}
