package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/policy"

	cli "github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Seed file for one guild's policies. Each entry is a policy body, written in YAML.
type policyFile struct {
	GuildID  string           `yaml:"guild_id"`
	Policies []map[string]any `yaml:"policies"`
}

func loadPolicyFile(path string) (*policyFile, [][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, nil, fmt.Errorf("parsing policy file: %w", err)
	}
	bodies := make([][]byte, 0, len(pf.Policies))
	for i, p := range pf.Policies {
		buf, err := json.Marshal(p)
		if err != nil {
			return nil, nil, fmt.Errorf("policy %d: %w", i, err)
		}
		bodies = append(bodies, buf)
	}
	return &pf, bodies, nil
}

var policiesCmd = &cli.Command{
	Name:  "policies",
	Usage: "manage guild policies from YAML seed files",
	Subcommands: []*cli.Command{
		policiesValidateCmd,
		policiesImportCmd,
	},
}

var policiesValidateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "parse and validate a policy seed file without touching the database",
	ArgsUsage: "<file.yaml>",
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single policy file argument")
		}
		_, bodies, err := loadPolicyFile(cctx.Args().First())
		if err != nil {
			return err
		}
		var errs []error
		for i, raw := range bodies {
			b, err := policy.Parse(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("policy %d: %w", i, err))
				continue
			}
			if b.RuleID == "" {
				errs = append(errs, fmt.Errorf("policy %d: rule_id is required", i))
				continue
			}
			fmt.Printf("ok\t%s\n", b.RuleID)
		}
		return errors.Join(errs...)
	},
}

var policiesImportCmd = &cli.Command{
	Name:      "import",
	Usage:     "create or update the policies in a seed file",
	ArgsUsage: "<file.yaml>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "guild",
			Usage: "guild id; overrides guild_id from the file",
		},
		&cli.StringFlag{
			Name:  "actor",
			Usage: "recorded as the author of created or updated policies",
			Value: "system",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected a single policy file argument")
		}
		logger, err := configLogger(cctx)
		if err != nil {
			return err
		}
		pf, bodies, err := loadPolicyFile(cctx.Args().First())
		if err != nil {
			return err
		}
		guildID := pf.GuildID
		if cctx.String("guild") != "" {
			guildID = cctx.String("guild")
		}
		if guildID == "" {
			return fmt.Errorf("guild id is required (--guild or guild_id in file)")
		}

		db, err := openDatabase(cctx)
		if err != nil {
			return err
		}
		// running daemons drop their cached copies when redis is shared
		var bus configbus.Bus
		if url := os.Getenv("LITHIUM_REDIS_URL"); url != "" {
			rbus, err := newRedisBus(url, logger)
			if err != nil {
				return err
			}
			bus = rbus
		}
		svc := policy.NewService(db, nil, bus, logger)
		actor := cctx.String("actor")

		for i, raw := range bodies {
			b, err := policy.Parse(raw)
			if err != nil {
				return fmt.Errorf("policy %d: %w", i, err)
			}
			p, err := svc.Create(ctx, guildID, raw, actor)
			if errors.Is(err, policy.ErrPolicyExists) {
				p, err = svc.Update(ctx, guildID, b.RuleID, raw, actor, "imported from "+cctx.Args().First())
			}
			if err != nil {
				return fmt.Errorf("policy %q: %w", b.RuleID, err)
			}
			fmt.Printf("%s\tv%d\n", p.RuleID, p.Version)
		}
		return nil
	},
}
