// ABOUTME: Token minting and project administration subcommands
// ABOUTME: Operate directly on the config and store, no running server required

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/itamar-marom/oblivion/internal/auth"
	"github.com/itamar-marom/oblivion/internal/config"
	"github.com/itamar-marom/oblivion/internal/store"
)

// argsAfter returns os.Args past the first n entries.
func argsAfter(n int) []string {
	if len(os.Args) <= n {
		return nil
	}
	return os.Args[n:]
}

// runToken mints an agent bearer token signed with the configured
// secret.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id (required)")
	tenantID := fs.String("tenant", "", "tenant id (required)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(argsAfter(2)); err != nil {
		return err
	}
	if *agentID == "" || *tenantID == "" {
		return fmt.Errorf("--agent and --tenant are required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(*agentID, *tenantID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runProject handles "project add" and "project member".
func runProject(ctx context.Context) error {
	args := argsAfter(2)
	if len(args) == 0 {
		return fmt.Errorf("usage: nexus project <add|member> [flags]")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	switch args[0] {
	case "add":
		return runProjectAdd(ctx, st, args[1:])
	case "member":
		return runProjectMember(ctx, st, args[1:])
	default:
		return fmt.Errorf("unknown project subcommand: %s", args[0])
	}
}

func runProjectAdd(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("project add", flag.ContinueOnError)
	name := fs.String("name", "", "project name (required)")
	tag := fs.String("tag", "", "routing tag (required)")
	tenant := fs.String("tenant", "default", "tenant id")
	channel := fs.String("channel", "", "chat channel id for announcements")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *tag == "" {
		return fmt.Errorf("--name and --tag are required")
	}

	project := &store.Project{
		ID:            uuid.New().String(),
		TenantID:      *tenant,
		Name:          *name,
		RoutingTag:    *tag,
		ChatChannelID: *channel,
	}
	if err := st.CreateProject(ctx, project); err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Project %s created: %s\n", project.Name, project.ID)
	return nil
}

func runProjectMember(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("project member", flag.ContinueOnError)
	projectID := fs.String("project", "", "project id (required)")
	agentID := fs.String("agent", "", "agent id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID == "" || *agentID == "" {
		return fmt.Errorf("--project and --agent are required")
	}

	if _, err := st.GetProject(ctx, *projectID); err != nil {
		return fmt.Errorf("looking up project: %w", err)
	}
	if err := st.AddProjectMember(ctx, *projectID, *agentID); err != nil {
		return fmt.Errorf("adding member: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Agent %s added to project %s\n", *agentID, *projectID)
	return nil
}
