/*
ledgerctl - Command-line client for the credit ledger API

USAGE:
  ledgerctl [global flags] <command> [command flags]

GLOBAL FLAGS / ENVIRONMENT:
  -server  LEDGER_SERVER  API base URL (default http://localhost:8080)
  -token   LEDGER_TOKEN   bearer token

COMMANDS:
  token      -secret -user -role -ttl       sign a token (development only)
  pay        -client -amount -method -ref -key
  credit     -client
  orders     -client -status
  payments   -client -method -page -limit
  payment    -id
  replay     -id                            admin
  reconcile  -client                        admin

Results are printed as indented JSON. Exit status is 1 on API errors and 2
on usage errors.
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/client"
	"github.com/warp/credit-ledger/ledger"
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	server := global.String("server", envOr(getenv, "LEDGER_SERVER", "http://localhost:8080"), "API base URL")
	token := global.String("token", getenv("LEDGER_TOKEN"), "bearer token")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		fmt.Fprintln(stderr, "ledgerctl: missing command (token, pay, credit, orders, payments, payment, replay, reconcile)")
		return 2
	}

	name, rest := global.Arg(0), global.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "ledgerctl: unknown command %q\n", name)
		return 2
	}

	fs := flag.NewFlagSet("ledgerctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd(fs)
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out, err := exec(ctx, client.New(*server, *token, client.WithRetries(2)))
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "ledgerctl %s: %v\n", name, err)
		fs.Usage()
		return 2
	case err != nil:
		fmt.Fprintf(stderr, "ledgerctl %s: %v\n", name, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "ledgerctl: %v\n", err)
		return 1
	}
	return 0
}

type execFunc func(ctx context.Context, c *client.Client) (any, error)

// commands register their flags on fs and return the action to run.
var commands = map[string]func(fs *flag.FlagSet) execFunc{
	"token": func(fs *flag.FlagSet) execFunc {
		secret := fs.String("secret", os.Getenv("LEDGER_JWT_SECRET"), "HS256 secret")
		user := fs.String("user", "", "subject (client id for role client)")
		role := fs.String("role", string(ledger.RoleStaff), "admin, staff or client")
		ttl := fs.Duration("ttl", 8*time.Hour, "token lifetime")
		return func(context.Context, *client.Client) (any, error) {
			if *secret == "" || *user == "" || !ledger.Role(*role).Valid() {
				return nil, fmt.Errorf("%w: -secret, -user and a valid -role are required", errUsage)
			}
			tok, err := api.NewAuthenticator(*secret).IssueToken(*user, ledger.Role(*role), *ttl)
			if err != nil {
				return nil, err
			}
			return map[string]string{"token": tok}, nil
		}
	},

	"pay": func(fs *flag.FlagSet) execFunc {
		clientID := fs.String("client", "", "client id")
		amount := fs.String("amount", "", "payment amount, e.g. 1500.00")
		method := fs.String("method", string(ledger.MethodCash), "cash, online, cheque or bank_transfer")
		ref := fs.String("ref", "", "cheque or UTR number")
		key := fs.String("key", "", "idempotency key (generated when empty)")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *clientID == "" {
				return nil, fmt.Errorf("%w: -client is required", errUsage)
			}
			amt, err := decimal.NewFromString(*amount)
			if err != nil {
				return nil, fmt.Errorf("%w: -amount: %v", errUsage, err)
			}
			return c.RecordPayment(ctx, *clientID, api.PaymentRequest{
				Amount:          amt,
				PaymentMethod:   *method,
				ReferenceNumber: *ref,
				IdempotencyKey:  *key,
			})
		}
	},

	"credit": func(fs *flag.FlagSet) execFunc {
		clientID := fs.String("client", "", "client id")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *clientID == "" {
				return nil, fmt.Errorf("%w: -client is required", errUsage)
			}
			return c.Credit(ctx, *clientID)
		}
	},

	"orders": func(fs *flag.FlagSet) execFunc {
		clientID := fs.String("client", "", "client id")
		status := fs.String("status", "", "Unpaid, Partially Paid or Paid")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *clientID == "" {
				return nil, fmt.Errorf("%w: -client is required", errUsage)
			}
			return c.Orders(ctx, *clientID, *status)
		}
	},

	"payments": func(fs *flag.FlagSet) execFunc {
		var opts client.ListOptions
		fs.StringVar(&opts.ClientID, "client", "", "filter by client id")
		fs.StringVar(&opts.PaymentMethod, "method", "", "filter by payment method")
		fs.IntVar(&opts.Page, "page", 1, "page number")
		fs.IntVar(&opts.Limit, "limit", 10, "page size (max 100)")
		return func(ctx context.Context, c *client.Client) (any, error) {
			return c.ListPayments(ctx, opts)
		}
	},

	"payment": func(fs *flag.FlagSet) execFunc {
		id := fs.String("id", "", "journal entry id")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *id == "" {
				return nil, fmt.Errorf("%w: -id is required", errUsage)
			}
			return c.GetPayment(ctx, *id)
		}
	},

	"replay": func(fs *flag.FlagSet) execFunc {
		id := fs.String("id", "", "journal entry id")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *id == "" {
				return nil, fmt.Errorf("%w: -id is required", errUsage)
			}
			return c.ReplayPayment(ctx, *id)
		}
	},

	"reconcile": func(fs *flag.FlagSet) execFunc {
		clientID := fs.String("client", "", "client id")
		return func(ctx context.Context, c *client.Client) (any, error) {
			if *clientID == "" {
				return nil, fmt.Errorf("%w: -client is required", errUsage)
			}
			return c.Reconcile(ctx, *clientID)
		}
	},
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
