package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"PeachCredit/internal/app"
	"PeachCredit/internal/auth"
	"PeachCredit/internal/models"
	"PeachCredit/internal/ordertoken"
	"PeachCredit/internal/payments"
	"PeachCredit/internal/store"
	"PeachCredit/internal/worker"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ─── balance ────────────────────────────────────────────────────────────────

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Print a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				b, err := a.Ledger.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], b)
				return nil
			})
		},
	}
}

// ─── grant ──────────────────────────────────────────────────────────────────

func newGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant USER_ID AMOUNT",
		Short: "Credit a user manually",
		Long: `Add credits to a user's balance outside the payment flow, for
support adjustments or to finish a refund that failed automatically.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			reason, _ := cmd.Flags().GetString("reason")
			kind := models.EntryGrant
			if refund, _ := cmd.Flags().GetBool("refund"); refund {
				kind = models.EntryRefund
			}
			return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				b, err := a.Ledger.Credit(ctx, args[0], amount, kind, "operator:"+reason)
				if err != nil {
					return err
				}
				log.Info("manual credit",
					zap.String("user_id", args[0]),
					zap.Int64("amount", amount),
					zap.String("kind", string(kind)),
					zap.String("reason", reason),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", args[0], b)
				return nil
			})
		},
	}
	cmd.Flags().String("reason", "manual", "reason recorded on the journal entry")
	cmd.Flags().Bool("refund", false, "record the entry as a refund instead of a grant")
	return cmd
}

// ─── history ────────────────────────────────────────────────────────────────

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "Print a user's recent journal entries as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				entries, err := a.Ledger.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries")
	return cmd
}

// ─── reconcile ──────────────────────────────────────────────────────────────

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile GATEWAY PAYMENT_ID",
		Short: "Ask the gateway for a payment's status and settle it if paid",
		Long: `Query the provider for PAYMENT_ID and apply the result exactly like a
webhook would. Safe to repeat: an already settled payment reports
already_processed and grants nothing.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				res, err := a.Reconciler.Reconcile(ctx, payments.SourceOperator, args[0], args[1])
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			})
		},
	}
}

// ─── settle ─────────────────────────────────────────────────────────────────

func newSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle ORDER_ID",
		Short: "Settle an order by hand through the exactly-once path",
		Long: `Grant an order's credits after checking the payment yourself, for
example a late_success the reconciler refused. The order is claimed in
processed_payments like any webhook settlement, so it is credited at most
once and leaves an audit row. Gateway, payment id and amount default to the
tracked attempt and the catalogue price of the order's package.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gwFlag, _ := cmd.Flags().GetString("gateway")
			paymentID, _ := cmd.Flags().GetString("payment-id")
			amountFlag, _ := cmd.Flags().GetString("amount")
			currency, _ := cmd.Flags().GetString("currency")

			return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				order, err := a.Codec.Decode(args[0])
				if err != nil {
					return err
				}

				attempt, err := a.Store.GetAttempt(ctx, order.ID)
				switch {
				case err == nil:
					if gwFlag == "" {
						gwFlag = string(attempt.Gateway)
					}
					if paymentID == "" {
						paymentID = attempt.ProviderPaymentID
					}
				case errors.Is(err, store.ErrNotFound):
					attempt = nil
				default:
					return err
				}
				if gwFlag == "" {
					return errors.New("no tracked attempt for this order; pass --gateway")
				}
				gw, err := a.Gateways.Get(gwFlag)
				if err != nil {
					return err
				}

				var amount decimal.Decimal
				if amountFlag != "" {
					if amount, err = decimal.NewFromString(amountFlag); err != nil {
						return fmt.Errorf("invalid --amount %q: %w", amountFlag, err)
					}
				} else {
					pkg, err := a.Catalogue.Lookup(order.Tier)
					if err != nil {
						return fmt.Errorf("%w; pass --amount and --currency", err)
					}
					amount = pkg.Price
					if currency == "" {
						currency = pkg.Currency
					}
				}

				if attempt != nil && attempt.Status.Terminal() && attempt.Status != models.AttemptSettled {
					log.Warn("settling an order the provider reported as not paid",
						zap.String("order_id", order.ID),
						zap.String("attempt_status", string(attempt.Status)),
					)
				}

				res, err := a.Reconciler.Settle(ctx, payments.Settlement{
					Order:     order,
					PaymentID: paymentID,
					Amount:    amount,
					Currency:  currency,
					Gateway:   gw.Name(),
					Source:    payments.SourceOperator,
				})
				if err != nil {
					return err
				}
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().String("gateway", "", "gateway name when the order has no tracked attempt")
	cmd.Flags().String("payment-id", "", "provider payment id")
	cmd.Flags().String("amount", "", "amount paid (default: package price)")
	cmd.Flags().String("currency", "", "currency of --amount")
	return cmd
}

// ─── sweep ──────────────────────────────────────────────────────────────────

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the open-attempt sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				w := &worker.Worker{
					Store:      a.Store,
					Reconciler: a.Reconciler,
					AttemptTTL: a.Config.AttemptTTL(),
					BatchSize:  a.Config.Worker.BatchSize,
					Log:        log,
				}
				sum, err := w.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d errors=%d settled=%d\n",
					sum.Checked, sum.Errors, sum.Outcomes[payments.OutcomeSettled])
				return nil
			})
		},
	}
}

// ─── token ──────────────────────────────────────────────────────────────────

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encode or inspect order tokens",
	}
	cmd.PersistentFlags().Int("max-len", ordertoken.DefaultMaxLen, "maximum token length")

	encode := &cobra.Command{
		Use:   "encode USER_ID CREDITS PACKAGE",
		Short: "Mint an order token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("credits must be an integer, got %q", args[1])
			}
			maxLen, _ := cmd.Flags().GetInt("max-len")
			tok, err := ordertoken.NewCodec(maxLen).Encode(args[0], credits, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	decode := &cobra.Command{
		Use:   "decode TOKEN",
		Short: "Decode an order token and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			maxLen, _ := cmd.Flags().GetInt("max-len")
			order, err := ordertoken.NewCodec(maxLen).Decode(args[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"id":      order.ID,
				"userId":  order.UserID,
				"credits": order.Credits,
				"package": order.Tier,
				"nonce":   hex.EncodeToString(order.Nonce[:]),
			})
		},
	}
	cmd.AddCommand(encode, decode)
	return cmd
}

// ─── jwt ────────────────────────────────────────────────────────────────────

func newJWTCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jwt USER_ID",
		Short: "Issue an API token for a user (testing and support)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
