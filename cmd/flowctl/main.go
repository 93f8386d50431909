// Command flowctl validates seed files, previews the approval chain a request
// would get, and issues actor tokens for local testing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/pesio-ai/be-hr-approvals/internal/client"
	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

type runContext struct {
	ctx context.Context
	out io.Writer
}

type cli struct {
	Validate validateCmd `cmd:"" help:"Validate the roles and flows of a seed file."`
	Preview  previewCmd  `cmd:"" help:"Show the approval chain a request would get."`
	Token    tokenCmd    `cmd:"" help:"Issue a signed actor token."`

	Submit submitCmd `cmd:"" help:"Submit a request to a running server."`
	Decide decideCmd `cmd:"" help:"Approve or reject a request's current step."`
	Show   showCmd   `cmd:"" help:"Show a request and its audit history."`
}

type validateCmd struct {
	Seed string `required:"" type:"existingfile" help:"Seed YAML file."`
}

func (c *validateCmd) Run(rc *runContext) error {
	_, flows, seed, err := loadSeed(rc.ctx, c.Seed)
	if err != nil {
		return err
	}
	all, err := flows.List(rc.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(rc.out, "ok: %d roles, %d flows\n", len(seed.Roles), len(all))
	for _, f := range all {
		fmt.Fprintf(rc.out, "  %-16s %d steps, requires approval: %t\n", f.Category, len(f.Steps), f.RequiresApproval)
	}
	return nil
}

type previewCmd struct {
	Seed      string `required:"" type:"existingfile" help:"Seed YAML file."`
	Category  string `required:"" help:"Request category."`
	Role      string `required:"" help:"Requester role."`
	Requester string `default:"preview" help:"Requester id."`
	Payload   string `default:"{}" help:"Request payload as JSON."`
}

func (c *previewCmd) Run(rc *runContext) error {
	_, flows, _, err := loadSeed(rc.ctx, c.Seed)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}
	flow, err := flows.Get(rc.ctx, c.Category)
	if err != nil {
		return err
	}
	steps, err := flows.Materialize(rc.ctx, flow, service.Requester{ID: c.Requester, Role: c.Role}, payload)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		fmt.Fprintln(rc.out, "no approval required: the request is approved on submission")
		return nil
	}
	for _, s := range steps {
		fmt.Fprintf(rc.out, "%d. %s", s.Order, s.Role)
		if s.TimeoutHours > 0 {
			fmt.Fprintf(rc.out, " (%dh)", s.TimeoutHours)
		}
		fmt.Fprintln(rc.out)
	}
	return nil
}

type tokenCmd struct {
	Secret string        `required:"" env:"JWT_SECRET" help:"HMAC signing secret."`
	Issuer string        `env:"JWT_ISSUER" help:"Token issuer."`
	ID     string        `required:"" help:"Actor id."`
	Role   string        `required:"" help:"Actor role."`
	TTL    time.Duration `default:"1h" help:"Token lifetime."`
}

func (c *tokenCmd) Run(rc *runContext) error {
	token, err := handler.NewActorAuth(c.Secret, c.Issuer).IssueToken(handler.Actor{ID: c.ID, Role: c.Role}, c.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(rc.out, token)
	return nil
}

type remote struct {
	Addr  string `default:"localhost:9090" env:"FLOWCTL_ADDR" help:"gRPC address of the approvals server."`
	Token string `env:"FLOWCTL_TOKEN" help:"Bearer token sent with every call."`
}

func (r remote) dial() (*client.ApprovalsGRPCClient, error) {
	return client.NewApprovalsGRPCClient(r.Addr, r.Token)
}

type submitCmd struct {
	Remote    remote `embed:""`
	Category  string `required:"" help:"Request category."`
	Requester string `required:"" help:"Requester id."`
	Role      string `required:"" help:"Requester role."`
	Payload   string `default:"{}" help:"Request payload as JSON."`
}

func (c *submitCmd) Run(rc *runContext) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}
	conn, err := c.Remote.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	req, err := conn.Submit(rc.ctx, c.Category, c.Requester, c.Role, payload)
	if err != nil {
		return err
	}
	return printJSON(rc.out, req)
}

type decideCmd struct {
	Remote   remote `embed:""`
	ID       string `arg:"" help:"Request id."`
	Actor    string `required:"" help:"Actor id."`
	Role     string `required:"" help:"Actor role."`
	Decision string `required:"" enum:"approved,rejected" help:"approved or rejected."`
	Comment  string `help:"Decision comment. Required outside the normal chain."`
}

func (c *decideCmd) Run(rc *runContext) error {
	conn, err := c.Remote.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	req, err := conn.Decide(rc.ctx, c.ID, c.Actor, c.Role, repository.Decision(c.Decision), c.Comment)
	if err != nil {
		return err
	}
	return printJSON(rc.out, req)
}

type showCmd struct {
	Remote remote `embed:""`
	ID     string `arg:"" help:"Request id."`
}

func (c *showCmd) Run(rc *runContext) error {
	conn, err := c.Remote.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	req, err := conn.Get(rc.ctx, c.ID)
	if err != nil {
		return err
	}
	return printJSON(rc.out, req)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadSeed applies a seed file to a throwaway in-memory store, which runs the
// same validation the server applies.
func loadSeed(ctx context.Context, path string) (*service.RoleCatalog, *service.FlowDefinitionStore, *service.Seed, error) {
	seed, err := service.LoadSeedFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.Nop()
	store := repository.NewMemoryStore()
	roles := service.NewRoleCatalog(store, store, log)
	flows := service.NewFlowDefinitionStore(store, roles, service.NewConditionEvaluator(), log)
	if err := service.ApplySeed(ctx, roles, flows, seed, log); err != nil {
		return nil, nil, nil, err
	}
	return roles, flows, seed, nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("flowctl"),
		kong.Description("Approval flow tooling."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&runContext{ctx: context.Background(), out: os.Stdout})
	kctx.FatalIfErrorf(err)
}
