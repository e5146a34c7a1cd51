package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/fees"
	"escrowline/internal/repo"
)

func actor() string {
	return viper.GetString("actor-id")
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractStepCmd("send", "Open the signing window", func(ctx context.Context, e engine.Engine, id string) (domain.Contract, error) {
		return e.SendContract(ctx, id, actor())
	}))
	c.AddCommand(contractStepCmd("sign", "Sign a sent contract", func(ctx context.Context, e engine.Engine, id string) (domain.Contract, error) {
		return e.SignContract(ctx, id, actor())
	}))
	c.AddCommand(contractStepCmd("show", "Show a contract", func(ctx context.Context, e engine.Engine, id string) (domain.Contract, error) {
		return e.GetContract(ctx, id)
	}))
	c.AddCommand(contractListCmd())
	return c
}

func contractCreateCmd() *cobra.Command {
	var opts engine.ContractCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "contract id (generated when empty)")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer", "", "buyer (clinic) id")
	cmd.Flags().StringVar(&opts.SellerID, "seller", "", "seller id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("seller")
	return cmd
}

func contractStepCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Contract, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <contract-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, total, err := a.Engine.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := newTable(table.Row{"ID", "Title", "Buyer", "Seller", "Status", "Expires"})
				for _, c := range items {
					expires := ""
					if c.ExpiresAt != nil {
						expires = c.ExpiresAt.Format("2006-01-02 15:04")
					}
					tw.AppendRow(table.Row{c.ID, c.Title, c.BuyerID, c.SellerID, c.Status, expires})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "total", total})
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	addPageFlags(cmd, &f.Search, &f.Page, &f.PageSize)
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func addPageFlags(cmd *cobra.Command, search *string, page, size *int) {
	cmd.Flags().StringVar(search, "search", "", "case-insensitive search on ids")
	cmd.Flags().IntVar(page, "page", 1, "page number")
	cmd.Flags().IntVar(size, "page-size", repo.DefaultPageSize, "page size")
}

func txCmd() *cobra.Command {
	t := &cobra.Command{Use: "tx", Short: "Manage escrow transactions"}
	t.AddCommand(txCreateCmd())
	t.AddCommand(txFundCmd())
	t.AddCommand(txCompleteCmd())
	t.AddCommand(txSimpleCmd("cancel", "Cancel before any release", func(ctx context.Context, e engine.Engine, id string) (domain.EscrowTransaction, error) {
		return e.Cancel(ctx, id, actor())
	}))
	t.AddCommand(txSimpleCmd("show", "Show a transaction", func(ctx context.Context, e engine.Engine, id string) (domain.EscrowTransaction, error) {
		return e.GetTransaction(ctx, id)
	}))
	t.AddCommand(txDisputeCmd())
	t.AddCommand(txResolveCmd())
	t.AddCommand(txListCmd())
	t.AddCommand(txLedgerCmd())
	t.AddCommand(txReconcileCmd())
	return t
}

// parseAmounts reads a comma separated list of milestone amounts in minor units.
func parseAmounts(s string) ([]engine.MilestoneInput, error) {
	var out []engine.MilestoneInput
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		title := ""
		if name, amount, ok := strings.Cut(part, "="); ok {
			title, part = strings.TrimSpace(name), strings.TrimSpace(amount)
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %d: invalid amount %q", i+1, part)
		}
		out = append(out, engine.MilestoneInput{Title: title, Amount: v})
	}
	return out, nil
}

func txCreateCmd() *cobra.Command {
	var opts engine.TransactionCreateOptions
	var milestones string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Open a transaction on a contract",
		Example: `  escrowline tx create --contract c-1 --milestones "design=600000,delivery=400000"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := parseAmounts(milestones)
			if err != nil {
				return err
			}
			opts.Milestones = ms
			opts.ActorID = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTransaction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "transaction id (generated when empty)")
	cmd.Flags().StringVar(&opts.ContractID, "contract", "", "contract id")
	cmd.Flags().Int64Var(&opts.TotalAmount, "total", 0, "expected total; checked against the milestone sum")
	cmd.Flags().StringVar(&milestones, "milestones", "", "ordered milestone amounts, optionally title=amount")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("milestones")
	return cmd
}

func txFundCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund <transaction-id>",
		Short: "Deposit the transaction total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Fund(ctx, args[0], amount, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "deposit in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func txCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <transaction-id> <milestone-id>",
		Short: "Complete the next milestone and release it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CompleteMilestone(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func txSimpleCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.EscrowTransaction, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <transaction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func txDisputeCmd() *cobra.Command {
	var reason, raisedBy string
	cmd := &cobra.Command{
		Use:   "dispute <transaction-id>",
		Short: "Freeze held funds pending adjudication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.RaiseDispute(ctx, engine.DisputeRaiseOptions{
					TransactionID: args[0],
					Reason:        reason,
					RaisedBy:      domain.Party(raisedBy),
					ActorID:       actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason")
	cmd.Flags().StringVar(&raisedBy, "by", string(domain.PartyBuyer), "raising party (buyer or seller)")
	return cmd
}

func txResolveCmd() *cobra.Command {
	var resolution string
	var bps int
	cmd := &cobra.Command{
		Use:   "resolve <transaction-id>",
		Short: "Resolve the open dispute (buyer_favor, seller_favor, mutual)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DisputeResolveOptions{
				TransactionID: args[0],
				Resolution:    domain.Resolution(resolution),
				ActorID:       actor(),
			}
			if cmd.Flags().Changed("buyer-share-bps") {
				opts.BuyerShareBps = &bps
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ResolveDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "buyer_favor, seller_favor or mutual")
	cmd.Flags().IntVar(&bps, "buyer-share-bps", 0, "buyer share in basis points for mutual (default 5000)")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func txListCmd() *cobra.Command {
	var f repo.TransactionFilters
	var hasDispute string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch hasDispute {
			case "":
			case "true", "false":
				v := hasDispute == "true"
				f.HasDispute = &v
			default:
				return fmt.Errorf("--has-dispute must be true or false")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, total, err := a.Engine.ListTransactions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := newTable(table.Row{"ID", "Contract", "Status", "Total", "Held", "Released", "Milestones", "Dispute"})
				for _, t := range items {
					dispute := ""
					if t.Dispute != nil {
						dispute = "open"
						if t.Dispute.Resolved() {
							dispute = string(t.Dispute.Resolution)
						}
					}
					tw.AppendRow(table.Row{
						t.ID, t.ContractID, t.Status, t.TotalAmount, t.HeldAmount, t.ReleasedAmount,
						fmt.Sprintf("%d/%d", t.CompletedMilestones(), len(t.Milestones)), dispute,
					})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "", "total", total})
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	addPageFlags(cmd, &f.Search, &f.Page, &f.PageSize)
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ContractID, "contract", "", "contract filter")
	cmd.Flags().StringVar(&hasDispute, "has-dispute", "", "true or false")
	return cmd
}

func txLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <transaction-id>",
		Short: "Show ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.Ledger(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"Seq", "Kind", "Party", "Amount", "Milestone", "Fee policy", "At"})
				for _, le := range entries {
					policy := ""
					if le.FeePolicyVersion > 0 {
						policy = fmt.Sprintf("v%d", le.FeePolicyVersion)
					}
					tw.AppendRow(table.Row{le.Seq, le.Kind, le.Party, le.Amount, le.MilestoneID, policy, le.CreatedAt.Format("2006-01-02 15:04:05")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
}

func txReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <transaction-id>",
		Short: "Check transaction balances against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(rep); err != nil {
					return err
				}
				if !rep.OK() {
					return fmt.Errorf("transaction %s does not reconcile", rep.TransactionID)
				}
				return nil
			})
		},
	}
}

func feesCmd() *cobra.Command {
	f := &cobra.Command{Use: "fees", Short: "Platform fee policy"}
	f.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current fee policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.FeePolicy(ctx)
				if err != nil {
					return err
				}
				return printFeePolicies([]fees.Policy{p})
			})
		},
	})
	f.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List every fee policy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.FeePolicyHistory(ctx)
				if err != nil {
					return err
				}
				return printFeePolicies(items)
			})
		},
	})
	f.AddCommand(feesSetCmd())
	return f
}

func feesSetCmd() *cobra.Command {
	var percent string
	var minAmount int64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a new fee policy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("min-amount") {
					current, err := a.Engine.FeePolicy(ctx)
					if err != nil {
						return err
					}
					minAmount = current.MinEscrowAmount
				}
				p, err := a.Engine.UpdateFeePolicy(ctx, percent, minAmount, actor())
				if err != nil {
					return err
				}
				return printFeePolicies([]fees.Policy{p})
			})
		},
	}
	cmd.Flags().StringVar(&percent, "percent", "", "escrow fee percent, e.g. 2.5")
	cmd.Flags().Int64Var(&minAmount, "min-amount", 0, "minimum escrow amount in minor units (keeps current when omitted)")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

func printFeePolicies(items []fees.Policy) error {
	if viper.GetBool("json") {
		out := make([]map[string]any, 0, len(items))
		for _, p := range items {
			out = append(out, map[string]any{
				"version":            p.Version,
				"escrow_fee_percent": p.PercentString(),
				"min_escrow_amount":  p.MinEscrowAmount,
				"created_by":         p.CreatedBy,
				"created_at":         p.CreatedAt,
			})
		}
		return printJSON(out)
	}
	tw := newTable(table.Row{"Version", "Fee %", "Min amount", "By", "At"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.Version, p.PercentString(), p.MinEscrowAmount, p.CreatedBy, p.CreatedAt.Format("2006-01-02 15:04:05")})
	}
	fmt.Println(tw.Render())
	return nil
}
