package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	"github.com/linlinbupt123-crypto/hdwallet_core/entity"
	"github.com/urfave/cli"
)

var mnemonicCommand = cli.Command{
	Name:     "mnemonic",
	Category: "Keys",
	Usage:    "Generate or check a BIP-39 mnemonic.",
	Subcommands: []cli.Command{
		{
			Name:  "new",
			Usage: "Print a fresh mnemonic. Nothing is stored.",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "strength",
					Value: 256,
					Usage: "entropy bits, 128 or 256",
				},
			},
			Action: newMnemonic,
		},
		{
			Name:      "validate",
			Usage:     "Check the words and checksum of a mnemonic.",
			ArgsUsage: "word1 word2 ...",
			Action:    validateMnemonic,
		},
	},
}

func newMnemonic(c *cli.Context) error {
	m, err := domain.MnemonicCodec{}.Generate(c.Int("strength"))
	if err != nil {
		return err
	}
	fmt.Println(m)
	return nil
}

func validateMnemonic(c *cli.Context) error {
	phrase := strings.Join(c.Args(), " ")
	if phrase == "" {
		return cli.ShowCommandHelp(c, "validate")
	}
	valid := domain.MnemonicCodec{}.Validate(phrase)
	printJSON(map[string]interface{}{
		"valid": valid,
		"words": len(strings.Fields(phrase)),
	})
	return nil
}

var walletCommand = cli.Command{
	Name:     "wallet",
	Category: "Keys",
	Usage:    "Create wallets and import master seeds.",
	Subcommands: []cli.Command{
		{
			Name: "create",
			Usage: "Create a wallet on the next account of the user's seed, " +
				"creating the seed on first use.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "owner user id"},
				cli.StringFlag{Name: "name", Usage: "wallet label"},
				cli.StringFlag{
					Name:  "passphrase",
					Usage: "BIP-39 passphrase, only used when the seed is created",
				},
				cli.StringSliceFlag{
					Name:  "network",
					Usage: "derive a first address on this network, repeatable",
				},
			},
			Action: actionDecorator(createWallet),
		},
		{
			Name:  "import",
			Usage: "Restore a user's master seed from a mnemonic or a backup file.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "owner user id"},
				cli.StringFlag{Name: "mnemonic", Usage: "the recovery phrase"},
				cli.StringFlag{Name: "backup", Usage: "a file written by wallet export, instead of --mnemonic"},
				cli.StringFlag{Name: "backup-passphrase", Usage: "passphrase of the backup file"},
				cli.StringFlag{Name: "passphrase", Usage: "BIP-39 passphrase"},
			},
			Action: actionDecorator(importSeed),
		},
		{
			Name:  "export",
			Usage: "Write the user's mnemonic to a file sealed under a backup passphrase.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "user", Usage: "owner user id"},
				cli.StringFlag{Name: "passphrase", Usage: "backup passphrase, at least 8 characters"},
				cli.StringFlag{Name: "out", Value: "mnemonic-backup.json", Usage: "output file"},
			},
			Action: actionDecorator(exportSeed),
		},
	},
}

func createWallet(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	user := c.String("user")
	if user == "" {
		return cli.ShowCommandHelp(c, "create")
	}
	var networks []domain.Network
	for _, n := range c.StringSlice("network") {
		networks = append(networks, domain.Network(n))
	}

	res, err := rt.wallets.CreateWalletAndAddresses(ctx, user, c.String("name"),
		c.String("passphrase"), networks)
	if err != nil {
		return err
	}

	resp := map[string]interface{}{
		"wallet":    res.Wallet,
		"addresses": res.Addresses,
	}
	res.Mnemonic.WhenSome(func(m string) {
		fmt.Fprintln(os.Stderr, "New master seed created. Write the mnemonic down, "+
			"it will not be shown again.")
		resp["mnemonic"] = m
	})
	printJSON(resp)
	return nil
}

func importSeed(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	user := c.String("user")
	mnemonic := c.String("mnemonic")
	if path := c.String("backup"); path != "" {
		backup, err := readBackup(path)
		if err != nil {
			return err
		}
		if backup.UserID != user {
			fmt.Fprintf(os.Stderr, "Note: backup was exported for user %s.\n", backup.UserID)
		}
		if mnemonic, err = backup.Open(c.String("backup-passphrase")); err != nil {
			return err
		}
	}
	if user == "" || mnemonic == "" {
		return cli.ShowCommandHelp(c, "import")
	}
	res, err := rt.keys.ImportMasterSeed(ctx, user, mnemonic, c.String("passphrase"))
	if err != nil {
		return err
	}
	res.Wipe()
	printJSON(map[string]string{"user_id": user, "status": "imported"})
	return nil
}

func exportSeed(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	user := c.String("user")
	if user == "" {
		return cli.ShowCommandHelp(c, "export")
	}
	backup, err := rt.keys.ExportMnemonicBackup(ctx, user, c.String("passphrase"))
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(backup, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.String("out"), b, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	fmt.Printf("Mnemonic backup of %s written to %s. A BIP-39 passphrase, "+
		"if one was used, is not included.\n", user, c.String("out"))
	return nil
}

func readBackup(path string) (*domain.MnemonicBackup, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	var backup domain.MnemonicBackup
	if err := json.Unmarshal(b, &backup); err != nil {
		return nil, fmt.Errorf("invalid backup file: %w", err)
	}
	return &backup, nil
}

var addressCommand = cli.Command{
	Name:     "address",
	Category: "Keys",
	Usage:    "Derive, list and share wallet addresses.",
	Subcommands: []cli.Command{
		{
			Name:  "derive",
			Usage: "Derive the next address of a wallet on a network.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "wallet", Usage: "wallet id"},
				cli.StringFlag{Name: "network", Usage: "e.g. bitcoin, ethereum, tron, solana"},
				cli.StringFlag{Name: "type", Usage: "address type, e.g. p2wpkh or p2pkh"},
				cli.IntFlag{Name: "index", Value: -1, Usage: "explicit address index"},
			},
			Action: actionDecorator(deriveAddress),
		},
		{
			Name:   "list",
			Usage:  "List the addresses of a wallet.",
			Flags:  []cli.Flag{cli.StringFlag{Name: "wallet", Usage: "wallet id"}},
			Action: actionDecorator(listAddresses),
		},
		{
			Name:  "qr",
			Usage: "Write a deposit QR code PNG for an address.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "wallet", Usage: "wallet id"},
				cli.StringFlag{Name: "network", Usage: "network of the address"},
				cli.StringFlag{Name: "address", Usage: "the deposit address"},
				cli.StringFlag{Name: "out", Value: "deposit.png", Usage: "output file"},
				cli.IntFlag{Name: "size", Value: 256, Usage: "image size in pixels"},
			},
			Action: actionDecorator(addressQR),
		},
	},
}

func deriveAddress(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	walletID, network := c.String("wallet"), c.String("network")
	if walletID == "" || network == "" {
		return cli.ShowCommandHelp(c, "derive")
	}

	index := fn.None[uint32]()
	if i := c.Int("index"); i >= 0 {
		index = fn.Some(uint32(i))
	}
	addr, err := rt.keys.DeriveAddress(ctx, walletID, domain.Network(network),
		domain.AddressType(c.String("type")), index)
	if err != nil {
		return err
	}
	printJSON(addr)
	return nil
}

func listAddresses(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	walletID := c.String("wallet")
	if walletID == "" {
		return cli.ShowCommandHelp(c, "list")
	}
	addrs, err := rt.keys.ListAddresses(ctx, walletID)
	if err != nil {
		return err
	}
	if addrs == nil {
		addrs = []*entity.Address{}
	}
	printJSON(addrs)
	return nil
}

func addressQR(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	walletID, network, address := c.String("wallet"), c.String("network"), c.String("address")
	if walletID == "" || network == "" || address == "" {
		return cli.ShowCommandHelp(c, "qr")
	}
	png, err := rt.wallets.DepositQR(ctx, walletID, domain.Network(network), address, c.Int("size"))
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.String("out"), png, 0o644); err != nil {
		return fmt.Errorf("failed to write QR code: %w", err)
	}
	fmt.Printf("QR code for %s written to %s\n", address, c.String("out"))
	return nil
}

var balanceCommand = cli.Command{
	Name:     "balance",
	Category: "Chain",
	Usage:    "Show the balances of a wallet or of one address.",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "wallet", Usage: "all native balances of this wallet"},
		cli.StringFlag{Name: "network", Usage: "network of --address"},
		cli.StringFlag{Name: "address", Usage: "a single address"},
		cli.StringFlag{Name: "token", Usage: "token contract for a token balance"},
		cli.IntFlag{Name: "decimals", Value: -1, Usage: "token decimals, read from the contract when unset"},
	},
	Action: actionDecorator(showBalance),
}

func showBalance(ctx context.Context, c *cli.Context, rt *walletRuntime) error {
	if walletID := c.String("wallet"); walletID != "" {
		balances, err := rt.wallets.GetWalletBalances(ctx, walletID)
		if err != nil {
			return err
		}
		printJSON(balances)
		return nil
	}

	network, address := c.String("network"), c.String("address")
	if network == "" || address == "" {
		return cli.ShowCommandHelp(c, "balance")
	}
	decimals := fn.None[uint8]()
	if d := c.Int("decimals"); d >= 0 {
		decimals = fn.Some(uint8(d))
	}
	b, err := rt.wallets.GetBalance(ctx, domain.Network(network), address,
		c.String("token"), decimals)
	if err != nil {
		return err
	}
	printJSON(b)
	return nil
}
