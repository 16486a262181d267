// SPDX-License-Identifier: MIT

// invitectl manages invite tokens directly against the broker's store:
//
//	invitectl create -label beta -expires 72h -max-uses 5
//	invitectl list
//	invitectl revoke <token>
//
// The store is addressed via STORE_URL, matching the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/demolab/sessionbroker/internal/config"
	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: invitectl <command> [flags]

commands:
  create   mint a new invite token
  list     print all invites
  revoke   revoke an invite token

`)
	os.Exit(2)
}

func main() {
	log.Configure(log.Config{Level: "warn", Service: "invitectl", Output: os.Stderr})

	if len(os.Args) < 2 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(config.ParseString("STORE_URL", "redis://localhost:6379"))
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	// The CLI is trusted; give it an effectively unlimited attempt budget so
	// admin operations never trip the brute-force counter.
	svc := invite.NewService(st, ratelimit.NewInviteLimiter(st, 1<<30, time.Minute))

	switch os.Args[1] {
	case "create":
		runCreate(ctx, svc, os.Args[2:])
	case "list":
		runList(ctx, svc)
	case "revoke":
		runRevoke(ctx, svc, os.Args[2:])
	default:
		usage()
	}
}

func runCreate(ctx context.Context, svc *invite.Service, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	label := fs.String("label", "", "free-form label for the invite")
	expires := fs.Duration("expires", 72*time.Hour, "validity window from now")
	maxUses := fs.Int("max-uses", 1, "number of redemptions allowed")
	_ = fs.Parse(args)

	if *maxUses < 1 {
		fatal(fmt.Errorf("max-uses must be at least 1"))
	}
	host, _ := os.Hostname()
	rec, err := svc.Create(ctx, *label, time.Now().Add(*expires), *maxUses, host)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("token:   %s\n", rec.Token)
	fmt.Printf("label:   %s\n", rec.Label)
	fmt.Printf("expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("uses:    0/%d\n", rec.MaxUsages)
}

func runList(ctx context.Context, svc *invite.Service) {
	recs, err := svc.List(ctx)
	if err != nil {
		fatal(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tLABEL\tUSES\tEXPIRES\tSTATE")
	now := time.Now()
	for _, r := range recs {
		state := "valid"
		switch {
		case r.Revoked:
			state = "revoked"
		case r.Expired(now):
			state = "expired"
		case r.Exhausted():
			state = "used"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			r.Token, r.Label, r.UsageCount, r.MaxUsages,
			r.ExpiresAt.Format(time.RFC3339), state)
	}
	_ = w.Flush()
}

func runRevoke(ctx context.Context, svc *invite.Service, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: invitectl revoke <token>")
		os.Exit(2)
	}
	if err := svc.Revoke(ctx, args[0]); err != nil {
		fatal(err)
	}
	fmt.Println("revoked")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "invitectl:", err)
	os.Exit(1)
}
