package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"TrancheLedger/internal/event"
	"TrancheLedger/internal/ledger"
	"TrancheLedger/internal/server"

	"github.com/spf13/cobra"
)

func registerCommands(root *cobra.Command) {
	root.AddCommand(
		createCmd(),
		orderCmd("supply", "Replace the standing supply order (currency)"),
		orderCmd("redeem", "Replace the standing redeem order (tranche tokens)"),
		collectCmd(),
		closeCmd(),
		solveCmd(),
		loanCmd("borrow", "Draw reserve out of the pool as debt"),
		loanCmd("payback", "Repay pool debt"),
		mintCmd(),
		poolCmd(),
		orderStateCmd(),
		outcomeCmd(),
		outcomesCmd(),
		balanceCmd(),
	)
}

func createCmd() *cobra.Command {
	var owner, currency, maxReserve, tranches string
	cmd := &cobra.Command{
		Use:   "create <pool-id>",
		Short: "Create a pool; tranches are listed senior first as interest:min_sub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			ownerID, err := parseUUID("owner", owner)
			if err != nil {
				return err
			}
			specs, err := parseTranches(tranches)
			if err != nil {
				return err
			}
			reserve, err := parseBalance("max-reserve", maxReserve)
			if err != nil {
				return err
			}
			req := &event.CreatePool{
				CommandID: nextCommandID(), PoolID: id, Owner: ownerID, Tranches: specs,
				Currency: ledger.CurrencyID(currency), MaxReserve: reserve, Timestamp: time.Now().UTC(),
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.CreatePool(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner account uuid")
	cmd.Flags().StringVar(&currency, "currency", "USD", "settlement currency")
	cmd.Flags().StringVar(&maxReserve, "max-reserve", "0", "reserve cap")
	cmd.Flags().StringVar(&tranches, "tranches", "0:0", "tranche specs, e.g. 5:10,0:0")
	return cmd
}

func orderCmd(side, short string) *cobra.Command {
	return &cobra.Command{
		Use:   side + " <pool-id> <tranche> <investor> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, tranche, investor, err := parseOrderKey(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			amount, err := parseBalance("amount", args[3])
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				if side == "supply" {
					return c.OrderSupply(ctx, &event.OrderSupply{
						CommandID: nextCommandID(), PoolID: id, Tranche: tranche,
						Investor: investor, Amount: amount, Timestamp: now,
					})
				}
				return c.OrderRedeem(ctx, &event.OrderRedeem{
					CommandID: nextCommandID(), PoolID: id, Tranche: tranche,
					Investor: investor, Amount: amount, Timestamp: now,
				})
			})
		},
	}
}

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect <pool-id> <tranche> <investor>",
		Short: "Settle executed orders into the investor's account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, tranche, investor, err := parseOrderKey(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			req := &event.Collect{
				CommandID: nextCommandID(), PoolID: id, Tranche: tranche,
				Investor: investor, Timestamp: time.Now().UTC(),
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.Collect(ctx, req)
			})
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <pool-id>",
		Short: "Close the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			req := &event.CloseEpoch{CommandID: nextCommandID(), PoolID: id, Timestamp: time.Now().UTC()}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.CloseEpoch(ctx, req)
			})
		},
	}
}

func solveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solve <pool-id> <solution>",
		Short: "Submit a solution for a closing epoch, e.g. 1:0.5,0.25:1 (supply:redeem per tranche)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			solution, err := parseSolution(args[1])
			if err != nil {
				return err
			}
			req := &event.SolveEpoch{CommandID: nextCommandID(), PoolID: id, Solution: solution, Timestamp: time.Now().UTC()}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.SolveEpoch(ctx, req)
			})
		},
	}
}

func loanCmd(kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <pool-id> <account> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			account, err := parseUUID("account", args[1])
			if err != nil {
				return err
			}
			amount, err := parseBalance("amount", args[2])
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				if kind == "borrow" {
					return c.Borrow(ctx, &event.Borrow{
						CommandID: nextCommandID(), PoolID: id, Borrower: account, Amount: amount, Timestamp: now,
					})
				}
				return c.Payback(ctx, &event.Payback{
					CommandID: nextCommandID(), PoolID: id, Payer: account, Amount: amount, Timestamp: now,
				})
			})
		},
	}
}

func mintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <currency> <investor> <amount>",
		Short: "Credit settlement currency (development deployments only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			investor, err := parseUUID("investor", args[1])
			if err != nil {
				return err
			}
			amount, err := parseBalance("amount", args[2])
			if err != nil {
				return err
			}
			req := &event.Mint{
				CommandID: nextCommandID(), Currency: ledger.CurrencyID(args[0]),
				Investor: investor, Amount: amount, Timestamp: time.Now().UTC(),
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.Mint(ctx, req)
			})
		},
	}
}

func poolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool <pool-id>",
		Short: "Show pool state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.GetPool(ctx, &server.GetPoolRequest{PoolID: id})
			})
		},
	}
}

func orderStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <pool-id> <tranche> <investor>",
		Short: "Show an investor's standing order",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, tranche, investor, err := parseOrderKey(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.GetOrder(ctx, &server.GetOrderRequest{PoolID: id, Tranche: tranche, Investor: investor})
			})
		},
	}
}

func outcomeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <pool-id> <tranche> <epoch>",
		Short: "Show the executed outcome of one tranche in one epoch",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			tranche, err := parseTranche(args[1])
			if err != nil {
				return err
			}
			epoch, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("epoch: %w", err)
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.GetEpochOutcome(ctx, &server.GetEpochOutcomeRequest{PoolID: id, Tranche: tranche, Epoch: epoch})
			})
		},
	}
}

func outcomesCmd() *cobra.Command {
	var (
		limit  int
		before uint64
	)
	cmd := &cobra.Command{
		Use:   "outcomes <pool-id>",
		Short: "List recent epoch outcomes, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			req := &server.ListEpochOutcomesRequest{PoolID: id, Limit: limit}
			if cmd.Flags().Changed("before") {
				req.BeforeEpoch = &before
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.ListEpochOutcomes(ctx, req)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum outcomes (server default when 0)")
	cmd.Flags().Uint64Var(&before, "before", 0, "only epochs before this one")
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <pool-id> <investor>",
		Short: "Show an investor's holdings relevant to a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolID(args[0])
			if err != nil {
				return err
			}
			investor, err := parseUUID("investor", args[1])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.PoolClient) (any, error) {
				return c.GetBalance(ctx, &server.GetBalanceRequest{PoolID: id, Investor: investor})
			})
		},
	}
}
