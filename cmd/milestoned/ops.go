package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexafund/milestoned/core"
	"github.com/nexafund/milestoned/model"
	"github.com/nexafund/milestoned/storage"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

var milestoneCMD = &cli.Command{
	Name:  "milestone",
	Usage: "Administrator milestone commands",
	Subcommands: []*cli.Command{
		{
			Name:   "open-voting",
			Usage:  "Open the voting window of a submitted milestone",
			Flags:  []cli.Flag{milestoneFlag},
			Action: openVoting,
		},
		{
			Name:   "approve",
			Usage:  "Approve a milestone in voting and release its funds",
			Flags:  []cli.Flag{milestoneFlag, executorFlag},
			Action: approve,
		},
		{
			Name:  "reject",
			Usage: "Reject a milestone in voting",
			Flags: []cli.Flag{milestoneFlag, executorFlag, &cli.StringFlag{
				Name:     "reason",
				Usage:    "Rejection rationale",
				Required: true,
			}},
			Action: reject,
		},
		{
			Name:  "refund",
			Usage: "Refund a backer against a rejected or expired milestone",
			Flags: []cli.Flag{milestoneFlag, executorFlag,
				&cli.StringFlag{Name: "backer", Required: true},
				&cli.StringFlag{Name: "amount", Required: true},
			},
			Action: refund,
		},
		{
			Name:   "stats",
			Usage:  "Show milestone counts of a campaign",
			Flags:  []cli.Flag{campaignFlag},
			Action: stats,
		},
		{
			Name:   "validate",
			Usage:  "Check a campaign's milestone plan",
			Flags:  []cli.Flag{campaignFlag},
			Action: validate,
		},
	},
}

var ledgerCMD = &cli.Command{
	Name:  "ledger",
	Usage: "Escrow ledger commands",
	Subcommands: []*cli.Command{
		{
			Name:   "failed",
			Usage:  "List ledger entries whose settlement failed",
			Flags:  []cli.Flag{&cli.StringFlag{Name: "campaign"}},
			Action: failed,
		},
		{
			Name:   "audit",
			Usage:  "Replay a campaign's ledger and check its invariants",
			Flags:  []cli.Flag{campaignFlag},
			Action: audit,
		},
		{
			Name:  "reconcile",
			Usage: "Resolve a failed ledger entry",
			Flags: []cli.Flag{executorFlag,
				&cli.StringFlag{Name: "id", Required: true},
				&cli.StringFlag{Name: "action", Usage: "confirm or retry", Required: true},
				&cli.StringFlag{Name: "ref", Usage: "settlement reference verified out of band"},
			},
			Action: reconcile,
		},
	},
}

var (
	milestoneFlag = &cli.StringFlag{Name: "milestone", Usage: "Milestone id", Required: true}
	campaignFlag  = &cli.StringFlag{Name: "campaign", Usage: "Campaign id", Required: true}
	executorFlag  = &cli.StringFlag{Name: "by", Usage: "Administrator id", Required: true}
)

func withEngine(ctx *cli.Context, fn func(engine *core.Engine) (any, error)) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return err
	}
	engine, closeDB, err := newEngine(r.Config)
	if err != nil {
		return err
	}
	defer closeDB()

	out, err := fn(engine)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func migrate(ctx *cli.Context) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return err
	}
	db, err := openDB(r.Config)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	fmt.Printf("%s database schema is up to date\n", r.Config.Storage.Driver)
	return nil
}

func sweep(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.SweepExpired(ctx.Context, time.Now())
	})
}

func openVoting(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.OpenVoting(ctx.Context, ctx.String("milestone"))
	})
}

func approve(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		m, entry, err := engine.ApproveMilestone(ctx.Context, ctx.String("milestone"), ctx.String("by"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"milestone": m, "release": entry}, nil
	})
}

func reject(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.RejectMilestone(ctx.Context, ctx.String("milestone"), ctx.String("by"), ctx.String("reason"))
	})
}

func refund(ctx *cli.Context) error {
	amount, err := decimal.NewFromString(ctx.String("amount"))
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.RefundBacker(ctx.Context, ctx.String("milestone"), ctx.String("backer"), amount, ctx.String("by"))
	})
}

func stats(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.GetMilestoneStats(ctx.Context, ctx.String("campaign"))
	})
}

func validate(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.ValidateMilestoneRequirements(ctx.Context, ctx.String("campaign"))
	})
}

func failed(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.ListTransactions(ctx.Context, core.LedgerFilter{
			CampaignID: ctx.String("campaign"),
			Status:     model.TransactionFailed,
		})
	})
}

func audit(ctx *cli.Context) error {
	var report core.AuditReport
	err := withEngine(ctx, func(engine *core.Engine) (any, error) {
		var err error
		report, err = engine.Ledger().Audit(ctx.Context, ctx.String("campaign"))
		return report, err
	})
	if err != nil {
		return err
	}
	if !report.OK() {
		return cli.Exit("ledger audit found violations", 2)
	}
	return nil
}

func reconcile(ctx *cli.Context) error {
	return withEngine(ctx, func(engine *core.Engine) (any, error) {
		return engine.ReconcileTransaction(ctx.Context, ctx.String("id"), core.Reconciliation{
			Action:        core.ReconcileAction(ctx.String("action")),
			SettlementRef: ctx.String("ref"),
			ExecutedBy:    ctx.String("by"),
		})
	})
}
