package attachment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
)

// CertificateUsage is what one delegate reports for a certificate
type CertificateUsage struct {
	Service     string
	Attachments []string
}

// Certificates holds the certificate delegates
type Certificates struct {
	*Delegates[CertificateDelegate]
	logger *slog.Logger
}

// NewCertificates creates an empty certificate delegate set
func NewCertificates(logger *slog.Logger) *Certificates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Certificates{
		Delegates: NewDelegates[CertificateDelegate]("certificate"),
		logger:    logger.With("component", "certificates"),
	}
}

// Attachments asks every delegate about certID and returns the non-empty
// answers in registration order
func (c *Certificates) Attachments(ctx context.Context, certID int64) ([]CertificateUsage, error) {
	var out []CertificateUsage
	for _, d := range c.List() {
		used, err := d.Attachments(ctx, certID)
		if err != nil {
			return nil, errors.Wrap(err, "Certificates", "Attachments", fmt.Sprintf("query %s", d.Name()))
		}
		if len(used) > 0 {
			out = append(out, CertificateUsage{Service: d.Name(), Attachments: used})
		}
	}
	return out, nil
}

// Redeploy reloads every consumer of certID. All consumers are tried; the
// failures are returned together. progress, when set, is told about each
// consumer before it is reloaded.
func (c *Certificates) Redeploy(ctx context.Context, certID int64, progress func(done, total int, service string)) error {
	usage, err := c.Attachments(ctx, certID)
	if err != nil {
		return err
	}
	delegates := make(map[string]CertificateDelegate)
	for _, d := range c.List() {
		delegates[d.Name()] = d
	}

	var errs []error
	for i, u := range usage {
		if err := ctx.Err(); err != nil {
			return err
		}
		if progress != nil {
			progress(i, len(usage), u.Service)
		}
		if err := delegates[u.Service].Redeploy(ctx, certID); err != nil {
			c.logger.Warn("Certificate redeploy failed", "service", u.Service, "certificate", certID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", u.Service, err))
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Certificates", "Redeploy", fmt.Sprintf("redeploy certificate %d", certID))
	}
	return nil
}

// Plugin exposes the certificate attachment methods
func (c *Certificates) Plugin() *registry.Plugin {
	id := schema.Required("id", schema.Int().Min(1))
	return &registry.Plugin{
		Name: "certificate",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("certificate.attachments").
				Describe("Services using a certificate").
				Params(id).
				Returns(schema.Array(schema.Object(
					schema.Required("service", schema.String()),
					schema.Required("attachments", schema.Array(schema.String())),
				))).
				Roles("CERTIFICATE_READ").
				REST("GET").
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					usage, err := c.Attachments(ctx, args[0].(int64))
					if err != nil {
						return nil, err
					}
					out := make([]any, 0, len(usage))
					for _, u := range usage {
						attachments := make([]any, len(u.Attachments))
						for i, a := range u.Attachments {
							attachments[i] = a
						}
						out = append(out, map[string]any{"service": u.Service, "attachments": attachments})
					}
					return out, nil
				}).
				Build(),

			registry.NewDescriptor("certificate.redeploy").
				Describe("Reload every service using a certificate").
				Params(id).
				Roles("CERTIFICATE_WRITE").
				Job(registry.Cooperative).
				Lock(func(args []any) string { return fmt.Sprint(args[0]) }).
				Handler(func(ctx context.Context, cc *registry.CallContext, args []any) (any, error) {
					certID := args[0].(int64)
					err := c.Redeploy(ctx, certID, func(done, total int, service string) {
						if cc.Job != nil {
							cc.Job.SetProgress(float64(done*100/total), "Reloading "+service, nil)
						}
					})
					return nil, err
				}).
				Build(),
		},
	}
}
