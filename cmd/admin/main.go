// Package main provides the operator tool for signing keys, the outbox and
// seed data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/app"
	"github.com/Lizaveta3333/liza-backend/internal/config"
	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

const (
	exitCode       = 1
	commandTimeout = 30 * time.Second
)

type command struct {
	usage string
	run   func(ctx context.Context, cfg *config.Config, repos *app.Repositories, args []string) error
}

var commands = map[string]command{
	"rotate-keys":    {usage: "generate a new active signing key", run: runRotateKeys},
	"list-keys":      {usage: "list signing keys and their windows", run: runListKeys},
	"retire-keys":    {usage: "retire keys whose grace period elapsed", run: runRetireKeys},
	"outbox-stats":   {usage: "count outbox events per status", run: runOutboxStats},
	"outbox-get":     {usage: "show one outbox event (-id)", run: runOutboxGet},
	"outbox-requeue": {usage: "move a failed event back to pending (-id)", run: runOutboxRequeue},
	"user-create":    {usage: "create a user (-email -password -roles)", run: runUserCreate},
	"product-create": {usage: "create a product (-seller -price -stock)", run: runProductCreate},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitCode)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitCode)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel))

	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Error("admin commands need STORE_DRIVER=postgres")
		os.Exit(exitCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	repos, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	err = cmd.run(ctx, cfg, repos, os.Args[2:])

	repos.Close()

	if err != nil {
		slog.Error("command failed", slog.String("command", os.Args[1]), slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
}

func printUsage() {
	fmt.Println("Usage: admin <command> [flags]")
	fmt.Println("\nCommands:")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range []string{
		"rotate-keys", "list-keys", "retire-keys",
		"outbox-stats", "outbox-get", "outbox-requeue",
		"user-create", "product-create",
	} {
		fmt.Fprintf(w, "  %s\t%s\n", name, commands[name].usage)
	}

	_ = w.Flush()
}

func newKeyManager(cfg *config.Config, repos *app.Repositories) *service.KeyManagerImpl {
	return service.NewKeyManagerImpl(repos.SigningKeys, repos.TransactionMgr, cfg.KeyRotationGrace,
		service.WithRefreshInterval(cfg.KeyRefreshInterval),
	)
}

func runRotateKeys(ctx context.Context, cfg *config.Config, repos *app.Repositories, _ []string) error {
	keys := newKeyManager(cfg, repos)
	if err := keys.Refresh(ctx); err != nil {
		return err
	}

	key, err := keys.Rotate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("new active key %s (previous keys verify until %s)\n",
		key.KeyID, key.NotBefore.Add(cfg.KeyRotationGrace+cfg.KeyRefreshInterval).Format(time.RFC3339))

	return nil
}

func runListKeys(ctx context.Context, _ *config.Config, repos *app.Repositories, _ []string) error {
	keys, err := repos.SigningKeys.ListAll(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KID\tSTATUS\tNOT BEFORE\tNOT AFTER")

	for _, k := range keys {
		notAfter := "-"
		if k.NotAfter != nil {
			notAfter = k.NotAfter.Format(time.RFC3339)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.KeyID, k.Status, k.NotBefore.Format(time.RFC3339), notAfter)
	}

	return w.Flush()
}

func runRetireKeys(ctx context.Context, cfg *config.Config, repos *app.Repositories, _ []string) error {
	retired, err := newKeyManager(cfg, repos).RetireExpired(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("retired %d key(s)\n", len(retired))

	for _, kid := range retired {
		fmt.Println("  " + kid)
	}

	return nil
}

func runOutboxStats(ctx context.Context, _ *config.Config, repos *app.Repositories, _ []string) error {
	counts, err := repos.Outbox.CountByStatus(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")

	for _, status := range []model.EventStatus{
		model.EventStatusPending, model.EventStatusPublished, model.EventStatusAcknowledged, model.EventStatusFailed,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
	}

	return w.Flush()
}

func eventIDFlag(name string, args []string) (int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.Int64("id", 0, "outbox event id")

	if err := fs.Parse(args); err != nil {
		return 0, err
	}

	if *id <= 0 {
		return 0, fmt.Errorf("-id is required")
	}

	return *id, nil
}

func runOutboxGet(ctx context.Context, _ *config.Config, repos *app.Repositories, args []string) error {
	id, err := eventIDFlag("outbox-get", args)
	if err != nil {
		return err
	}

	event, err := repos.Outbox.Get(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(event)
}

func runOutboxRequeue(ctx context.Context, _ *config.Config, repos *app.Repositories, args []string) error {
	id, err := eventIDFlag("outbox-requeue", args)
	if err != nil {
		return err
	}

	if err := repos.Outbox.Requeue(ctx, id, time.Now()); err != nil {
		return err
	}

	fmt.Printf("event %d requeued\n", id)

	return nil
}

func runUserCreate(ctx context.Context, _ *config.Config, repos *app.Repositories, args []string) error {
	fs := flag.NewFlagSet("user-create", flag.ContinueOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "user password")
	roles := fs.String("roles", model.RoleBuyer, "comma-separated roles")

	if err := fs.Parse(args); err != nil {
		return err
	}

	params := &model.CreateUserParams{Email: *email, Password: *password, Roles: strings.Split(*roles, ",")}
	if err := params.Validate(); err != nil {
		return err
	}

	hash, err := service.HashPassword(params.Password)
	if err != nil {
		return err
	}

	user, err := repos.Users.Create(ctx, params.Email, hash, params.Roles)
	if err != nil {
		return err
	}

	fmt.Printf("user %d created (%s)\n", user.ID, strings.Join(user.Roles, ","))

	return nil
}

func runProductCreate(ctx context.Context, _ *config.Config, repos *app.Repositories, args []string) error {
	fs := flag.NewFlagSet("product-create", flag.ContinueOnError)
	seller := fs.Int64("seller", 0, "id of the selling user")
	price := fs.Float64("price", 0, "unit price")
	stock := fs.Int("stock", 0, "items in stock")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *seller <= 0 {
		return fmt.Errorf("-seller is required")
	}

	if *price < 0 || *stock < 0 {
		return fmt.Errorf("price and stock must not be negative")
	}

	user, err := repos.Users.GetByID(ctx, *seller)
	if err != nil {
		return err
	}

	if !user.HasRole(model.RoleSeller) {
		return fmt.Errorf("user %d is not a seller", user.ID)
	}

	product, err := repos.Products.Create(ctx, user.ID, *price, *stock)
	if err != nil {
		return err
	}

	fmt.Printf("product %d created\n", product.ID)

	return nil
}
