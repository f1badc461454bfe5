package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func proposalArg(c *cli.Command) (uint, error) {
	v, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("expected a proposal id, got %q", c.Args().First())
	}
	return uint(v), nil
}

func onProposal(method, verb, action string, handler func(context.Context, *cli.Command, remoteCall) error, params func(*cli.Command) map[string]any) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		id, err := proposalArg(c)
		if err != nil {
			return err
		}
		var p map[string]any
		if params != nil {
			p = params(c)
		}
		return handler(ctx, c, onRecord(method, verb, "/api/proposals", id, action, p))
	}
}

func proposalsCommand() *cli.Command {
	showProposal := func(ctx context.Context, c *cli.Command, call remoteCall) error {
		return runRemote(ctx, c, call, printProposal)
	}
	showFinalize := func(ctx context.Context, c *cli.Command, call remoteCall) error {
		return runRemote(ctx, c, call, printFinalize)
	}

	return &cli.Command{
		Name:  "proposals",
		Usage: "Governance proposal commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List proposals",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status"},
					&cli.StringFlag{Name: "type"},
					&cli.IntFlag{Name: "limit"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("proposals.list", "/api/proposals", map[string]any{
						"status": c.String("status"),
						"type":   c.String("type"),
						"limit":  c.Int("limit"),
					}), printProposals)
				},
			},
			{
				Name:  "create",
				Usage: "Open a proposal for voting",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Required: true, Usage: "URGENCY_UPDATE, RECIPIENT_REMOVAL, SYSTEM_PARAMETER, EMERGENCY_OVERRIDE"},
					&cli.StringFlag{Name: "urgency", Value: string(domain.UrgencyStandard), Usage: "STANDARD or EMERGENCY"},
					&cli.StringFlag{Name: "recipient", Usage: "target recipient id"},
					&cli.StringFlag{Name: "parameter", Usage: "parameter name for SYSTEM_PARAMETER"},
					&cli.StringFlag{Name: "current"},
					&cli.StringFlag{Name: "proposed", Required: true},
					&cli.StringFlag{Name: "justification", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("proposals.create", "/api/proposals", map[string]any{
						"type":                c.String("type"),
						"urgency":             c.String("urgency"),
						"target_recipient_id": c.String("recipient"),
						"parameter_name":      c.String("parameter"),
						"current_value":       c.String("current"),
						"proposed_value":      c.String("proposed"),
						"justification":       c.String("justification"),
					}), printProposal)
				},
			},
			{
				Name:      "show",
				Usage:     "Show a proposal",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action:    onProposal("proposals.get", http.MethodGet, "", showProposal, nil),
			},
			{
				Name:      "votes",
				Usage:     "List votes on a proposal",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: onProposal("proposals.votes", http.MethodGet, "votes", func(ctx context.Context, c *cli.Command, call remoteCall) error {
					return runRemote(ctx, c, call, printVotes)
				}, nil),
			},
			{
				Name:      "vote",
				Usage:     "Cast a vote",
				ArgsUsage: "<proposal-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "choice", Required: true, Usage: "FOR, AGAINST or ABSTAIN"},
					&cli.StringFlag{Name: "justification"},
					jsonFlag(),
				},
				Action: onProposal("proposals.vote", http.MethodPost, "vote", showProposal, func(c *cli.Command) map[string]any {
					return map[string]any{"choice": c.String("choice"), "justification": c.String("justification")}
				}),
			},
			{
				Name:      "finalize",
				Usage:     "Tally a proposal after its voting deadline",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action:    onProposal("proposals.finalize", http.MethodPost, "finalize", showFinalize, nil),
			},
			{
				Name:      "emergency-finalize",
				Usage:     "Tally an emergency proposal early under supermajority",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "password", Required: true}, jsonFlag()},
				Action: onProposal("proposals.emergency_finalize", http.MethodPost, "emergency-finalize", showFinalize, func(c *cli.Command) map[string]any {
					return map[string]any{"password": c.String("password")}
				}),
			},
			{
				Name:      "execute",
				Usage:     "Apply an approved proposal",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: onProposal("proposals.execute", http.MethodPost, "execute", func(ctx context.Context, c *cli.Command, call remoteCall) error {
					return runRemote(ctx, c, call, printExecution)
				}, nil),
			},
			{
				Name:      "sync",
				Usage:     "Reconcile a proposal with the ledger",
				ArgsUsage: "<proposal-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action:    onProposal("proposals.sync", http.MethodPost, "sync", showProposal, nil),
			},
			{
				Name:  "expire",
				Usage: "Expire proposals left unfinalized past the grace period",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("proposals.expire", "/api/proposals/expire", nil), func(out struct{ Expired []uint }) {
						fmt.Printf("expired %d proposals\n", len(out.Expired))
					})
				},
			},
		},
	}
}

func membersCommand() *cli.Command {
	return &cli.Command{
		Name:  "members",
		Usage: "Governance membership commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List members",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "authorized", Usage: "only authorized members"}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("members.list", "/api/members", map[string]any{"authorized": c.Bool("authorized")}), printMembers)
				},
			},
			{
				Name:  "add",
				Usage: "Register a member",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "identity", Required: true, Usage: "user email"},
					&cli.StringFlag{Name: "role", Value: string(domain.RoleDoctor), Usage: "doctor, admin or observer"},
					&cli.IntFlag{Name: "voting-power", Value: 1},
					&cli.BoolFlag{Name: "authorized"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("members.create", "/api/members", map[string]any{
						"identity":     c.String("identity"),
						"role":         c.String("role"),
						"voting_power": c.Int("voting-power"),
						"authorized":   c.Bool("authorized"),
					}), func(m domain.Member) { printMembers([]domain.Member{m}) })
				},
			},
			{
				Name:      "authorize",
				Usage:     "Grant or revoke voting rights",
				ArgsUsage: "<identity>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "revoke"},
					&cli.IntFlag{Name: "voting-power", Value: 1},
					&cli.StringFlag{Name: "role", Value: string(domain.RoleDoctor)},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					identity := c.Args().First()
					call := post("members.authorize", "/api/members/"+url.PathEscape(identity)+"/authorize", map[string]any{
						"identity":     identity,
						"authorized":   !c.Bool("revoke"),
						"voting_power": c.Int("voting-power"),
						"role":         c.String("role"),
					})
					return runRemote(ctx, c, call, func(m domain.Member) { printMembers([]domain.Member{m}) })
				},
			},
		},
	}
}

func notificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "Show notifications, your own unless a scope is given",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "scope", Usage: "user or recipient"},
			&cli.StringFlag{Name: "audience"},
			&cli.IntFlag{Name: "limit"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runRemote(ctx, c, get("notifications.list", "/api/notifications", map[string]any{
				"scope":    c.String("scope"),
				"audience": c.String("audience"),
				"limit":    c.Int("limit"),
			}), printNotifications)
		},
	}
}

func accessCommand() *cli.Command {
	return &cli.Command{
		Name:  "access",
		Usage: "User and role administration",
		Commands: []*cli.Command{
			{
				Name:  "users",
				Usage: "List users",
				Flags: []cli.Flag{&cli.StringFlag{Name: "q"}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("access.user.list", "/api/access/users", map[string]any{"q": c.String("q")}), printUsers)
				},
			},
			{
				Name:  "create-user",
				Usage: "Create a user with a role",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "role", Value: "doctor"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("access.user.create", "/api/access/users", map[string]any{
						"email":    c.String("email"),
						"password": c.String("password"),
						"role":     c.String("role"),
					}), func(u domain.User) { printUsers([]domain.User{u}) })
				},
			},
			{
				Name:  "roles",
				Usage: "List roles",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("access.role.list", "/api/access/roles", nil), printRoles)
				},
			},
			{
				Name:  "assign-role",
				Usage: "Assign a role to a user",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "user-id", Required: true},
					&cli.UintFlag{Name: "role-id", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					call := post("access.role.assign", "/api/access/assign-role", map[string]any{
						"user_id": c.Uint("user-id"),
						"role_id": c.Uint("role-id"),
					})
					if err := invoke(ctx, cfg, call, nil); err != nil {
						return err
					}
					fmt.Println("role assigned")
					return nil
				},
			},
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Audit commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List audit logs",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit"}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("audit.list", "/api/audit/logs", map[string]any{"limit": c.Int("limit")}), printAuditRecords)
				},
			},
		},
	}
}
