package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/organledger/internal/application"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "output raw JSON"}
}

// runRemote performs call with the stored CLI credentials and renders the
// result with show, or as JSON when --json is set.
func runRemote[T any](ctx context.Context, c *cli.Command, call remoteCall, show func(T)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var out T
	if err := invoke(ctx, cfg, call, &out); err != nil {
		return err
	}
	if show == nil || c.Bool("json") {
		return printJSON(out)
	}
	show(out)
	return nil
}

// optionalTime parses an RFC 3339 flag value. Unset yields nil so the server
// stamps the current time.
func optionalTime(c *cli.Command, name string) (any, error) {
	raw := c.String(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authentication commands",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Login and store CLI token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "transport", Value: transportUDS, Usage: "uds or http"},
					&cli.StringFlag{Name: "server", Value: defaultServer},
					&cli.StringFlag{Name: "socket", Value: defaultSocket},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true},
					&cli.StringFlag{Name: "token-name", Value: "cli"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg := cliConfig{Transport: c.String("transport"), Server: c.String("server"), Socket: c.String("socket")}
					if cfg.Transport != transportUDS && cfg.Transport != transportHTTP {
						return fmt.Errorf("unknown transport %q", cfg.Transport)
					}
					var out struct {
						Token string `json:"token"`
						Email string `json:"email"`
					}
					if err := doLogin(ctx, cfg, c.String("email"), c.String("password"), c.String("token-name"), &out); err != nil {
						return err
					}
					cfg.Token = out.Token
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Printf("logged in as %s\n", out.Email)
					return nil
				},
			},
			{
				Name:  "whoami",
				Usage: "Show current authenticated user",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						ID          uint     `json:"id"`
						Email       string   `json:"email"`
						Permissions []string `json:"permissions"`
					}
					if err := doWhoAmI(ctx, cfg, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printKV([][2]string{{"id", uintToString(out.ID)}, {"email", out.Email}, {"permissions", fmt.Sprint(out.Permissions)}})
					return nil
				},
			},
			{
				Name:  "logout",
				Usage: "Clear local CLI auth token",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					_ = doLogout(ctx, cfg)
					cfg.Token = ""
					if err := saveConfig(cfg); err != nil {
						return err
					}
					fmt.Println("logged out")
					return nil
				},
			},
		},
	}
}

func recipientsCommand() *cli.Command {
	return &cli.Command{
		Name:  "recipients",
		Usage: "Waiting list commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recipients",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "organ-type"},
					&cli.BoolFlag{Name: "active", Usage: "only active recipients"},
					&cli.StringFlag{Name: "q"},
					&cli.IntFlag{Name: "limit"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("recipients.list", "/api/recipients", map[string]any{
						"organ_type": c.String("organ-type"),
						"active":     c.Bool("active"),
						"q":          c.String("q"),
						"limit":      c.Int("limit"),
					}), printRecipients)
				},
			},
			{
				Name:  "register",
				Usage: "Register a recipient on the waiting list",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "organ-type", Required: true, Usage: "KIDNEY, LIVER, HEART, LUNG or PANCREAS"},
					&cli.StringFlag{Name: "blood-type", Required: true, Usage: "e.g. O-, AB+"},
					&cli.IntFlag{Name: "urgency", Required: true, Usage: "1 (lowest) to 5"},
					&cli.IntFlag{Name: "medical-score"},
					&cli.StringFlag{Name: "registered-at", Usage: "RFC 3339 timestamp, defaults to now"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					registered, err := optionalTime(c, "registered-at")
					if err != nil {
						return err
					}
					params := map[string]any{
						"recipient_id":  c.String("id"),
						"full_name":     c.String("name"),
						"organ_type":    c.String("organ-type"),
						"blood_type":    c.String("blood-type"),
						"urgency_level": c.Int("urgency"),
						"medical_score": c.Int("medical-score"),
					}
					if registered != nil {
						params["registered_at"] = registered
					}
					return runRemote(ctx, c, post("recipients.create", "/api/recipients", params), printRecipient)
				},
			},
			{
				Name:      "show",
				Usage:     "Show a recipient with urgency history",
				ArgsUsage: "<recipient-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, onRecord("recipients.get", http.MethodGet, "/api/recipients", c.Args().First(), "", nil), printRecipient)
				},
			},
			{
				Name:      "reassess",
				Usage:     "Record a clinical reassessment",
				ArgsUsage: "<recipient-id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "urgency", Required: true},
					&cli.IntFlag{Name: "medical-score"},
					&cli.StringFlag{Name: "reason", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					params := map[string]any{"urgency_level": c.Int("urgency"), "reason": c.String("reason")}
					if c.IsSet("medical-score") {
						params["medical_score"] = c.Int("medical-score")
					}
					return runRemote(ctx, c, onRecord("recipients.clinical", http.MethodPost, "/api/recipients", c.Args().First(), "clinical", params), printRecipient)
				},
			},
		},
	}
}

func organsCommand() *cli.Command {
	return &cli.Command{
		Name:  "organs",
		Usage: "Donated organ commands",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List organs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "organ-type"},
					&cli.StringFlag{Name: "status", Usage: "AVAILABLE, ALLOCATED, TRANSPLANTED, EXPIRED, REJECTED"},
					&cli.IntFlag{Name: "limit"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("organs.list", "/api/organs", map[string]any{
						"organ_type": c.String("organ-type"),
						"status":     c.String("status"),
						"limit":      c.Int("limit"),
					}), printOrgans)
				},
			},
			{
				Name:  "register",
				Usage: "Register a harvested organ",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "organ-type", Required: true},
					&cli.StringFlag{Name: "blood-type", Required: true},
					&cli.StringFlag{Name: "donor"},
					&cli.StringFlag{Name: "harvested-at", Usage: "RFC 3339 timestamp, defaults to now"},
					&cli.IntFlag{Name: "viability-hours", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					harvested, err := optionalTime(c, "harvested-at")
					if err != nil {
						return err
					}
					params := map[string]any{
						"organ_id":        c.String("id"),
						"organ_type":      c.String("organ-type"),
						"blood_type":      c.String("blood-type"),
						"donor_ref":       c.String("donor"),
						"viability_hours": c.Int("viability-hours"),
					}
					if harvested != nil {
						params["harvested_at"] = harvested
					}
					return runRemote(ctx, c, post("organs.create", "/api/organs", params), printOrgan)
				},
			},
			{
				Name:      "show",
				Usage:     "Show an organ",
				ArgsUsage: "<organ-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, onRecord("organs.get", http.MethodGet, "/api/organs", c.Args().First(), "", nil), printOrgan)
				},
			},
			{
				Name:      "reject",
				Usage:     "Mark an organ unusable",
				ArgsUsage: "<organ-id>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "reason", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, onRecord("organs.reject", http.MethodPost, "/api/organs", c.Args().First(), "reject", map[string]any{"reason": c.String("reason")}), printOrgan)
				},
			},
			{
				Name:      "sync",
				Usage:     "Compare an organ with its ledger record",
				ArgsUsage: "<organ-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, onRecord("organs.sync", http.MethodGet, "/api/organs", c.Args().First(), "sync", nil), func(d application.OrganDrift) {
						printKV([][2]string{
							{"organ_id", d.OrganID},
							{"local_status", string(d.LocalStatus)},
							{"ledger_status", string(d.LedgerStatus)},
							{"ledger_allocated_to", d.LedgerAllocatedTo},
							{"in_sync", fmt.Sprint(d.InSync)},
						})
					})
				},
			},
		},
	}
}

func matchingCommand() *cli.Command {
	return &cli.Command{
		Name:  "matching",
		Usage: "Allocation commands",
		Commands: []*cli.Command{
			{
				Name:      "auto",
				Usage:     "Allocate one organ to the best compatible recipient",
				ArgsUsage: "<organ-id>",
				Flags:     []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("matching.auto", "/api/matching/auto", map[string]any{"organ_id": c.Args().First()}), printAutoMatch)
				},
			},
			{
				Name:  "run",
				Usage: "Attempt allocation for every available organ",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("matching.run", "/api/matching/run", nil), printBatch)
				},
			},
			{
				Name:  "expire",
				Usage: "Expire organs past their viability window",
				Flags: []cli.Flag{jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, post("matching.expire", "/api/matching/expire", nil), func(out struct{ Expired []string }) {
						fmt.Printf("expired %d organs\n", len(out.Expired))
					})
				},
			},
		},
	}
}

func matchesCommand() *cli.Command {
	matchAction := func(method, action string) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			var params map[string]any
			if c.IsSet("reason") {
				params = map[string]any{"reason": c.String("reason")}
			}
			return runRemote(ctx, c, onRecord(method, http.MethodPost, "/api/matches", c.Args().First(), action, params), func(m domain.Match) {
				printMatches([]domain.Match{m})
			})
		}
	}
	apptAction := func(method, action string) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			return runRemote(ctx, c, onRecord(method, http.MethodPost, "/api/appointments", c.Args().First(), action, nil), func(a domain.Appointment) {
				printKV([][2]string{{"id", a.ID}, {"match_id", a.MatchID}, {"status", string(a.Status)}, {"scheduled_at", formatTime(a.ScheduledAt)}})
			})
		}
	}

	return &cli.Command{
		Name:  "matches",
		Usage: "Match and appointment lifecycle",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List matches",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "organ-id"},
					&cli.StringFlag{Name: "recipient-id"},
					&cli.StringFlag{Name: "status"},
					&cli.IntFlag{Name: "limit"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runRemote(ctx, c, get("matches.list", "/api/matches", map[string]any{
						"organ_id":     c.String("organ-id"),
						"recipient_id": c.String("recipient-id"),
						"status":       c.String("status"),
						"limit":        c.Int("limit"),
					}), printMatches)
				},
			},
			{Name: "accept", Usage: "Accept a pending match", ArgsUsage: "<match-id>", Flags: []cli.Flag{jsonFlag()}, Action: matchAction("matches.accept", "accept")},
			{Name: "reject", Usage: "Reject a match and release the organ", ArgsUsage: "<match-id>", Flags: []cli.Flag{&cli.StringFlag{Name: "reason", Required: true}, jsonFlag()}, Action: matchAction("matches.reject", "reject")},
			{Name: "complete", Usage: "Record the transplant as done", ArgsUsage: "<match-id>", Flags: []cli.Flag{jsonFlag()}, Action: matchAction("matches.complete", "complete")},
			{Name: "start-appointment", Usage: "Mark an appointment in progress", ArgsUsage: "<appointment-id>", Flags: []cli.Flag{jsonFlag()}, Action: apptAction("appointments.start", "start")},
			{Name: "cancel-appointment", Usage: "Cancel an appointment", ArgsUsage: "<appointment-id>", Flags: []cli.Flag{jsonFlag()}, Action: apptAction("appointments.cancel", "cancel")},
		},
	}
}
