package attachment

import (
	"context"
	"log/slog"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

// wildcard addresses conflict with every address of the same family
var wildcards = map[string]bool{"0.0.0.0": true, "::": true, "": true}

// PortUsage is the set of bindings one delegate reports
type PortUsage struct {
	Namespace string
	Title     string
	Ports     []Binding
}

// Ports holds the port delegates
type Ports struct {
	*Delegates[PortDelegate]
	logger *slog.Logger
}

// NewPorts creates an empty port delegate set
func NewPorts(logger *slog.Logger) *Ports {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ports{
		Delegates: NewDelegates[PortDelegate]("port"),
		logger:    logger.With("component", "ports"),
	}
}

// InUse returns the configured bindings of every delegate. A delegate that
// fails is logged and left out.
func (p *Ports) InUse(ctx context.Context) []PortUsage {
	var out []PortUsage
	for _, d := range p.List() {
		bindings, err := d.Ports(ctx)
		if err != nil {
			p.logger.Warn("Port delegate failed", "delegate", d.Name(), "error", err)
			continue
		}
		if len(bindings) > 0 {
			out = append(out, PortUsage{Namespace: d.Name(), Title: d.Title(), Ports: bindings})
		}
	}
	return out
}

// Check returns EEXIST when b collides with a binding owned by a namespace
// other than namespace
func (p *Ports) Check(ctx context.Context, namespace string, b Binding) error {
	for _, u := range p.InUse(ctx) {
		if u.Namespace == namespace {
			continue
		}
		for _, used := range u.Ports {
			if used.Port != b.Port {
				continue
			}
			if used.BindIP == b.BindIP || wildcards[used.BindIP] || wildcards[b.BindIP] {
				return errors.Exists("Port %d is already in use by %s", b.Port, u.Title)
			}
		}
	}
	return nil
}

// Plugin exposes the port methods
func (p *Ports) Plugin() *registry.Plugin {
	binding := schema.Object(
		schema.Required("bind_ip", schema.String()),
		schema.Required("port", schema.Int()),
	)
	return &registry.Plugin{
		Name: "port",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("port.in_use").
				Describe("Ports configured by services").
				Returns(schema.Array(schema.Object(
					schema.Required("namespace", schema.String()),
					schema.Required("title", schema.String()),
					schema.Required("ports", schema.Array(binding)),
				))).
				Roles("SYSTEM_GENERAL_READ").
				REST("GET").
				Handler(func(ctx context.Context, _ *registry.CallContext, _ []any) (any, error) {
					usage := p.InUse(ctx)
					out := make([]any, 0, len(usage))
					for _, u := range usage {
						ports := make([]any, len(u.Ports))
						for i, b := range u.Ports {
							ports[i] = map[string]any{"bind_ip": b.BindIP, "port": b.Port}
						}
						out = append(out, map[string]any{"namespace": u.Namespace, "title": u.Title, "ports": ports})
					}
					return out, nil
				}).
				Build(),

			registry.NewDescriptor("port.validate").
				Describe("Fail with EEXIST if another service uses the port").
				Params(
					schema.Required("namespace", schema.String()),
					schema.Required("port", schema.Int().Min(1).Max(65535)),
					schema.Optional("bind_ip", schema.String(), "0.0.0.0"),
				).
				Private().
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					b := Binding{Port: int(args[1].(int64)), BindIP: args[2].(string)}
					return nil, p.Check(ctx, args[0].(string), b)
				}).
				Build(),
		},
	}
}
