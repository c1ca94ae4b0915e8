package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"unisync/internal/auth"
	"unisync/internal/config"
	"unisync/internal/store"
)

var (
	openDocumentsFunc = store.OpenDocuments // mockable

	errHelp = errors.New("help provided")
)

var roles = map[string]bool{
	auth.RoleStudent:            true,
	auth.RoleLecturer:           true,
	auth.RoleProgramCoordinator: true,
	auth.RoleAdmin:              true,
}

type commandLine struct {
	cfg config.App
	out io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate                          - create the documents table for STORE_BACKEND")
	fmt.Fprintln(cli.out, "  token -sub USER_ID -role ROLE    - print a signed access token")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenSub := tokenCmd.String("sub", "", "The user id to put in the token.")
	tokenRole := tokenCmd.String("role", "", "STUDENT, LECTURER, PROGRAM_COORDINATOR or ADMIN.")
	tokenName := tokenCmd.String("name", "", "Optional display name.")
	tokenTTL := tokenCmd.Duration("ttl", cli.cfg.AccessTTL, "Token lifetime.")

	switch args[1] {
	case "migrate":
		return cli.migrate()
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenSub == "" || !roles[*tokenRole] {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenSub, *tokenRole, *tokenName, *tokenTTL)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	docs, err := openDocumentsFunc(ctx, cli.cfg.StoreBackend, cli.cfg.DatabaseURL, cli.cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer docs.Close()
	fmt.Fprintf(cli.out, "documents table ready (%s)\n", cli.cfg.StoreBackend)
	return nil
}

func (cli *commandLine) token(sub, role, name string, ttl time.Duration) error {
	tok, exp, err := auth.Issue(sub, role, name, cli.cfg.JWTIssuer, cli.cfg.JWTSigningKey, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, tok)
	fmt.Fprintf(cli.out, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}
