package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/payments"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/worker"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func (e *env) queue() *broker.KafkaQueue {
	k := e.cfg.Kafka
	return broker.NewKafkaQueue(k.Brokers, k.TopicFulfillment, k.TopicDeadLetter, k.ConsumerGroup)
}

// newEventsCommand groups the dead-letter follow-up commands
func newEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and replay webhook events",
	}
	eventsCmd.AddCommand(newEventsFailedCommand(), newEventsReplayCommand())
	return eventsCmd
}

func newEventsFailedCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List webhook events that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := e.db.ListFailedWebhookEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER EVENT\tTYPE\tATTEMPTS\tRECEIVED\tLAST ERROR")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					ev.ID, ev.ProviderEventID, ev.EventType, ev.Attempts,
					ev.ReceivedAt.Format(time.RFC3339), ev.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to list")
	return cmd
}

func newEventsReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <webhook-event-id>",
		Short: "Reset a FAILED event to PENDING and enqueue it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			q := e.queue()
			defer q.Close()

			ingestor := service.NewWebhookIngestor(e.db, nil, q, payments.ProviderName)
			if err := ingestor.Replay(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %s re-enqueued\n", args[0])
			return nil
		},
	}
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <session-id>",
		Short: "Show the audit trail of a checkout session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			trail, err := e.db.ListAuditEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(trail) == 0 {
				return fmt.Errorf("no audit events for session %s", args[0])
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tPROVIDER EVENT\tDETAIL")
			for _, a := range trail {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					a.CreatedAt.Format(time.RFC3339), a.EventType, a.ProviderEventID, formatMetadata(a.Metadata))
			}
			return tw.Flush()
		},
	}
}

func formatMetadata(m models.AuditMetadata) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}

func newReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reservation reaper sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stock, closeStock, err := e.stockStore()
			if err != nil {
				return err
			}
			defer closeStock()

			q := e.queue()
			defer q.Close()

			checkout := service.NewCheckoutService(e.db, e.db, e.db, e.db, e.db, service.NewStockLedger(stock), nil, service.CheckoutConfig{
				ReservationTTL: e.cfg.Checkout.ReservationTTL,
				Currency:       e.cfg.Checkout.Currency,
			})
			reaper := worker.NewReservationReaper(e.db, e.db, checkout, q, nil, worker.ReaperConfig{
				BatchSize:  e.cfg.Reaper.BatchSize,
				StaleAfter: e.cfg.Reaper.StaleAfter,
			})

			res, sweepErr := reaper.Sweep(cmd.Context())
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return sweepErr
		},
	}
}

// stockStore picks the configured stock backend
func (e *env) stockStore() (service.StockStore, func(), error) {
	if e.cfg.Checkout.StockBackend != "redis" {
		return e.db, func() {}, nil
	}
	rc, err := redisclient.NewClient(e.cfg.Redis.Addr, e.cfg.Redis.Password, e.cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { rc.Close() }, nil
}

func newStockCommand() *cobra.Command {
	stockCmd := &cobra.Command{
		Use:   "stock",
		Short: "Inspect stock counters",
	}
	stockCmd.AddCommand(&cobra.Command{
		Use:   "show <variant-id>",
		Short: "Print the counters of a variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stock, closeStock, err := e.stockStore()
			if err != nil {
				return err
			}
			defer closeStock()

			v, err := service.NewStockLedger(stock).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "variant:   %s (%s backend)\navailable: %d\nreserved:  %d\ncommitted: %d\ntotal:     %d\n",
				v.ID, e.cfg.Checkout.StockBackend, v.AvailableQuantity, v.ReservedQuantity, v.CommittedQuantity, v.TotalQuantity())
			return nil
		},
	}, newStockSetCommand(), newStockRestockCommand())
	return stockCmd
}

// newStockSetCommand maintains catalog rows in Postgres. --available seeds a
// new variant only; stock of an existing one changes through stock restock.
func newStockSetCommand() *cobra.Command {
	var (
		sku       string
		name      string
		price     string
		currency  string
		available int
	)
	cmd := &cobra.Command{
		Use:   "set <variant-id>",
		Short: "Create a variant or replace its catalog fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPrice, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", price, err)
			}
			if available < 0 {
				return fmt.Errorf("--available must not be negative")
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if sku == "" {
				sku = args[0]
			}
			if currency == "" {
				currency = e.cfg.Checkout.Currency
			}
			v := &models.Variant{
				ID:                args[0],
				SKU:               sku,
				Name:              name,
				UnitPrice:         unitPrice,
				Currency:          currency,
				AvailableQuantity: available,
			}
			created, err := e.db.UpsertVariant(cmd.Context(), v)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "variant %s updated: %s %s\n", v.ID, v.UnitPrice.StringFixed(2), v.Currency)
				if cmd.Flags().Changed("available") {
					fmt.Fprintln(cmd.ErrOrStderr(), "--available ignored for an existing variant, use stock restock")
				}
				return nil
			}

			stock, closeStock, err := e.stockStore()
			if err != nil {
				return err
			}
			defer closeStock()
			if seeder, ok := stock.(service.StockSeeder); ok {
				if _, err := seeder.SeedVariant(cmd.Context(), *v); err != nil {
					return fmt.Errorf("seed %s stock: %w", e.cfg.Checkout.StockBackend, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "variant %s created: %s %s, %d available\n",
				v.ID, v.UnitPrice.StringFixed(2), v.Currency, v.AvailableQuantity)
			return nil
		},
	}
	cmd.Flags().StringVar(&sku, "sku", "", "stock keeping unit (defaults to the variant id)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&price, "price", "0", "unit price, e.g. 19.90")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code (defaults to CHECKOUT_CURRENCY)")
	cmd.Flags().IntVar(&available, "available", 0, "initial available quantity of a new variant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newStockRestockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restock <variant-id> <quantity>",
		Short: "Add units to available stock, or write them off with a negative quantity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[1], err)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			stock, closeStock, err := e.stockStore()
			if err != nil {
				return err
			}
			defer closeStock()

			available, err := service.NewStockLedger(stock).Restock(cmd.Context(), args[0], qty)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "variant %s: %+d, %d available (%s backend)\n",
				args[0], qty, available, e.cfg.Checkout.StockBackend)
			return nil
		},
	}
}

// newWebhookCommand sends signed provider events to a running server, for
// development without a Stripe account
func newWebhookCommand() *cobra.Command {
	webhookCmd := &cobra.Command{
		Use:   "webhook",
		Short: "Development helpers for provider webhooks",
	}

	var (
		eventType string
		serverURL string
		eventID   string
	)
	simulate := &cobra.Command{
		Use:   "simulate <checkout-session-id>",
		Short: "Post a signed checkout.session event for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if e.cfg.Stripe.WebhookSecret == "" {
				return fmt.Errorf("STRIPE_WEBHOOK_SECRET is not set")
			}
			session, err := e.db.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if eventID == "" {
				eventID = "evt_sim_" + strings.ReplaceAll(uuid.New().String(), "-", "")
			}

			payload, err := payments.BuildCheckoutEvent(payments.CheckoutEvent{
				EventID:           eventID,
				Type:              eventType,
				ProviderSessionID: session.ProviderSessionID,
				CheckoutSessionID: session.ID,
				CartID:            session.CartID,
				AmountMinor:       payments.ToMinor(session.TotalAmount),
				Currency:          session.Currency,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimRight(serverURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Stripe-Signature", payments.SignPayload(payload, e.cfg.Stripe.WebhookSecret, time.Now()))

			resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %d %s\n", eventType, eventID, resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server rejected event")
			}
			return nil
		},
	}
	simulate.Flags().StringVar(&eventType, "type", "checkout.session.completed", "event type to send")
	simulate.Flags().StringVar(&serverURL, "url", "http://localhost:8080", "base URL of the checkout service")
	simulate.Flags().StringVar(&eventID, "event-id", "", "provider event id (random if empty; reuse one to test dedup)")

	webhookCmd.AddCommand(simulate)
	return webhookCmd
}
