// Package cli implements payctl, the operator command line for billing
// sweeps, subscription actions, refunds and exports.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/shopspring/decimal"

	"donationsvc/internal/app"
	"donationsvc/internal/billing"
	"donationsvc/internal/domain"
	"donationsvc/internal/export"
	"donationsvc/internal/middleware"
	"donationsvc/internal/recurring"
)

// Environment provides an abstraction around the execution environment.
type Environment struct {
	Stdout io.Writer
	Stderr io.Writer
	// Connect builds the services. It is only called by commands that need
	// the database or the gateway.
	Connect func(ctx context.Context) (*app.Services, error)
	Now     func() time.Time
	// OperatorSecret signs tokens minted by the token command.
	OperatorSecret string

	services *app.Services
}

// Services connects on first use.
func (e *Environment) Services(ctx context.Context) (*app.Services, error) {
	if e.services != nil {
		return e.services, nil
	}
	if e.Connect == nil {
		return nil, errors.New("no service configuration")
	}
	s, err := e.Connect(ctx)
	if err != nil {
		return nil, err
	}
	e.services = s
	return s, nil
}

func (e *Environment) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

type SweepCmd struct{}

func (cmd *SweepCmd) Run(env *Environment, ctx context.Context) error {
	s, err := env.Services(ctx)
	if err != nil {
		return err
	}
	report, err := s.Runner.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "claimed %d\n", report.Claimed)
	results := make([]recurring.Result, 0, len(report.Results))
	for r := range report.Results {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for _, r := range results {
		fmt.Fprintf(env.Stdout, "  %-24s %d\n", r, report.Results[r])
	}
	for _, e := range report.Errors {
		fmt.Fprintf(env.Stderr, "  error: %v\n", e)
	}
	return nil
}

type NextDateCmd struct {
	Anchor   string `arg:"" help:"First successful charge, RFC3339 or YYYY-MM-DD."`
	Kind     string `default:"monthly" enum:"monthly,quarterly,yearly" help:"Billing period."`
	Count    int    `default:"3" help:"How many dates to print."`
	Timezone string `name:"tz" default:"Asia/Bishkek" help:"Billing timezone."`
}

func (cmd *NextDateCmd) Run(env *Environment) error {
	loc, err := time.LoadLocation(cmd.Timezone)
	if err != nil {
		return err
	}
	anchor, err := parseTime(cmd.Anchor, loc)
	if err != nil {
		return err
	}
	scheduler := billing.NewScheduler(loc)
	var current *time.Time
	for i := 0; i < cmd.Count; i++ {
		next, ok := scheduler.NextDueDate(anchor, current, domain.DonationKind(cmd.Kind))
		if !ok {
			return fmt.Errorf("%s has no schedule", cmd.Kind)
		}
		fmt.Fprintln(env.Stdout, next.In(loc).Format(time.RFC3339))
		current = &next
	}
	return nil
}

type CancelCmd struct {
	ID   string `arg:"" help:"Donation id of the chain head."`
	Note string `help:"Note stored on the donation."`
}

func (cmd *CancelCmd) Run(env *Environment, ctx context.Context) error {
	return env.operate(ctx, func(s *app.Services) (*domain.Donation, error) {
		return s.Ledger.Cancel(ctx, cmd.ID, cmd.Note)
	})
}

type PauseCmd struct {
	ID   string `arg:"" help:"Donation id of the chain head."`
	Note string `help:"Note stored on the donation."`
}

func (cmd *PauseCmd) Run(env *Environment, ctx context.Context) error {
	return env.operate(ctx, func(s *app.Services) (*domain.Donation, error) {
		return s.Ledger.Pause(ctx, cmd.ID, cmd.Note)
	})
}

type ResumeCmd struct {
	ID      string `arg:"" help:"Donation id of the chain head."`
	NextDue string `help:"Next charge, RFC3339 or YYYY-MM-DD. Defaults to the next period boundary."`
	Note    string `help:"Note stored on the donation."`
}

func (cmd *ResumeCmd) Run(env *Environment, ctx context.Context) error {
	return env.operate(ctx, func(s *app.Services) (*domain.Donation, error) {
		var due *time.Time
		if cmd.NextDue != "" {
			t, err := parseTime(cmd.NextDue, s.Scheduler.Location())
			if err != nil {
				return nil, err
			}
			due = &t
		}
		return s.Ledger.Resume(ctx, cmd.ID, due, cmd.Note)
	})
}

type CloseCmd struct {
	ID   string `arg:"" help:"Donation id."`
	Note string `help:"Note stored on the donation."`
}

func (cmd *CloseCmd) Run(env *Environment, ctx context.Context) error {
	return env.operate(ctx, func(s *app.Services) (*domain.Donation, error) {
		return s.Ledger.Close(ctx, cmd.ID, cmd.Note)
	})
}

func (e *Environment) operate(ctx context.Context, fn func(s *app.Services) (*domain.Donation, error)) error {
	s, err := e.Services(ctx)
	if err != nil {
		return err
	}
	d, err := fn(s)
	if err != nil {
		return err
	}
	next := "-"
	if d.NextDueDate != nil {
		next = d.NextDueDate.In(s.Scheduler.Location()).Format(time.RFC3339)
	}
	fmt.Fprintf(e.Stdout, "%s status=%s subscription=%s next_due=%s\n", d.ID, d.Status, d.SubscriptionStatus, next)
	return nil
}

type RefundCmd struct {
	OrderID string `arg:"" help:"Order id of the successful payment."`
	Amount  string `help:"Partial amount. Defaults to whatever is left."`
	Reason  string `help:"Reason stored with the refund."`
}

func (cmd *RefundCmd) Run(env *Environment, ctx context.Context) error {
	var amount *decimal.Decimal
	if cmd.Amount != "" {
		v, err := decimal.NewFromString(cmd.Amount)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		amount = &v
	}
	s, err := env.Services(ctx)
	if err != nil {
		return err
	}
	refund, err := app.RefundPayment(ctx, s.Ledger, s.Payments, cmd.OrderID, amount, cmd.Reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "%s %s %s\n", refund.TransactionID, refund.Amount.StringFixed(2), refund.Currency)
	return nil
}

type StatusCmd struct {
	OrderID string `arg:"" help:"Order id to query."`
}

func (cmd *StatusCmd) Run(env *Environment, ctx context.Context) error {
	s, err := env.Services(ctx)
	if err != nil {
		return err
	}
	tx, res, err := app.SyncStatus(ctx, s.Ledger, s.Payments, cmd.OrderID, env.now())
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "%s status=%s gateway=%s\n", tx.TransactionID, tx.Status, res.Get("pg_payment_status"))
	return nil
}

type ExportCmd struct {
	Out    string `short:"o" default:"donations.xlsx" help:"Output file, - for stdout."`
	From   string `help:"Created on or after, YYYY-MM-DD."`
	To     string `help:"Created before, YYYY-MM-DD."`
	Status string `help:"Only donations in this status."`
	Limit  int    `help:"Maximum rows, 0 for all."`
}

func (cmd *ExportCmd) Run(env *Environment, ctx context.Context) error {
	s, err := env.Services(ctx)
	if err != nil {
		return err
	}
	loc := s.Scheduler.Location()
	filter := domain.DonationFilter{Status: domain.DonationStatus(cmd.Status), Limit: cmd.Limit}
	if cmd.From != "" {
		t, err := parseTime(cmd.From, loc)
		if err != nil {
			return err
		}
		filter.From = &t
	}
	if cmd.To != "" {
		t, err := parseTime(cmd.To, loc)
		if err != nil {
			return err
		}
		filter.To = &t
	}
	donations, err := s.Store.ListDonations(ctx, filter)
	if err != nil {
		return err
	}

	out := env.Stdout
	if cmd.Out != "-" {
		f, err := os.Create(cmd.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := export.WriteDonations(out, donations, loc); err != nil {
		return err
	}
	if cmd.Out != "-" {
		fmt.Fprintf(env.Stderr, "wrote %d donations to %s\n", len(donations), cmd.Out)
	}
	return nil
}

type TokenCmd struct {
	Subject string        `arg:"" help:"Operator name recorded in notes and logs."`
	TTL     time.Duration `default:"12h" help:"Token lifetime."`
}

func (cmd *TokenCmd) Run(env *Environment) error {
	if strings.TrimSpace(env.OperatorSecret) == "" {
		return errors.New("OPERATOR_JWT_SECRET is not set")
	}
	if cmd.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	token, err := middleware.SignJWT(env.OperatorSecret, middleware.TokenClaims{
		Sub:    cmd.Subject,
		Role:   middleware.RoleOperator,
		Exp:    env.now().Add(cmd.TTL).Unix(),
		Issuer: "payctl",
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(env.Stdout, token)
	return nil
}

type CLI struct {
	Sweep    SweepCmd    `cmd:"" help:"Runs one recurring billing pass."`
	NextDate NextDateCmd `cmd:"" name:"next-date" help:"Prints upcoming charge dates for an anchor."`
	Cancel   CancelCmd   `cmd:"" help:"Cancels a subscription."`
	Pause    PauseCmd    `cmd:"" help:"Pauses a subscription."`
	Resume   ResumeCmd   `cmd:"" help:"Resumes a paused subscription."`
	Close    CloseCmd    `cmd:"" help:"Marks a donation completed by hand."`
	Refund   RefundCmd   `cmd:"" help:"Refunds a successful payment."`
	Status   StatusCmd   `cmd:"" help:"Polls the gateway for an order and applies a final outcome."`
	Export   ExportCmd   `cmd:"" help:"Writes donations to an XLSX file."`
	Token    TokenCmd    `cmd:"" help:"Mints an operator API token."`
}

// Run parses args and executes the selected command. It returns the process
// exit code.
func Run(env Environment, args []string) int {
	var c CLI
	parser, err := kong.New(&c,
		kong.Name("payctl"),
		kong.Description("donation billing operations"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Writers(env.Stdout, env.Stderr),
	)
	if err != nil {
		fmt.Fprintln(env.Stderr, err)
		return 2
	}
	cntx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(env.Stderr, "payctl: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cntx.BindTo(ctx, (*context.Context)(nil))
	defer func() {
		if env.services != nil {
			env.services.Close()
		}
	}()
	if err := cntx.Run(&env); err != nil {
		fmt.Fprintf(env.Stderr, "payctl: %s: %v\n", strings.TrimSpace(cntx.Command()), err)
		return 1
	}
	return 0
}

func parseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", value)
	}
	return t, nil
}
