package attachment

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/registry"
)

type certDelegate struct {
	name       string
	uses       map[int64][]string
	redeployed []int64
	fail       bool
}

func (d *certDelegate) Name() string { return d.name }

func (d *certDelegate) Attachments(_ context.Context, id int64) ([]string, error) {
	return d.uses[id], nil
}

func (d *certDelegate) Redeploy(_ context.Context, id int64) error {
	d.redeployed = append(d.redeployed, id)
	if d.fail {
		return stderrors.New("reload failed")
	}
	return nil
}

type portDelegate struct {
	name  string
	title string
	ports []Binding
	err   error
}

func (d *portDelegate) Name() string                             { return d.name }
func (d *portDelegate) Title() string                            { return d.title }
func (d *portDelegate) Ports(context.Context) ([]Binding, error) { return d.ports, d.err }

func TestDelegatesRegister(t *testing.T) {
	ports := NewPorts(nil)
	require.NoError(t, ports.Register(&portDelegate{name: "ssh"}))
	require.NoError(t, ports.Register(&portDelegate{name: "ftp"}))
	require.NoError(t, ports.Register(&portDelegate{name: "nfs"}))

	err := ports.Register(&portDelegate{name: "ftp"})
	assert.Equal(t, errors.EEXIST, errors.ErrnoOf(err))
	assert.True(t, errors.IsInvalid(ports.Register(&portDelegate{})))

	var names []string
	for _, d := range ports.List() {
		names = append(names, d.Name())
	}
	assert.Equal(t, []string{"ssh", "ftp", "nfs"}, names)
	assert.Equal(t, 3, ports.Len())
}

func TestCertificateAttachmentsAndRedeploy(t *testing.T) {
	certs := NewCertificates(nil)
	nginx := &certDelegate{name: "nginx", uses: map[int64][]string{1: {"web UI"}}}
	ftp := &certDelegate{name: "ftp", uses: map[int64][]string{1: {"FTPS"}, 2: {"FTPS"}}, fail: true}
	s3 := &certDelegate{name: "s3", uses: map[int64][]string{}}
	for _, d := range []*certDelegate{nginx, ftp, s3} {
		require.NoError(t, certs.Register(d))
	}

	usage, err := certs.Attachments(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []CertificateUsage{
		{Service: "nginx", Attachments: []string{"web UI"}},
		{Service: "ftp", Attachments: []string{"FTPS"}},
	}, usage)

	var steps []string
	err = certs.Redeploy(context.Background(), 1, func(_, _ int, service string) { steps = append(steps, service) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp: reload failed")
	assert.Equal(t, []string{"nginx", "ftp"}, steps)
	assert.Equal(t, []int64{1}, nginx.redeployed)
	assert.Equal(t, []int64{1}, ftp.redeployed)
	assert.Empty(t, s3.redeployed)
}

func TestPortsInUseAndCheck(t *testing.T) {
	ports := NewPorts(nil)
	require.NoError(t, ports.Register(&portDelegate{name: "ssh", title: "SSH", ports: []Binding{{BindIP: "0.0.0.0", Port: 22}}}))
	require.NoError(t, ports.Register(&portDelegate{name: "broken", err: stderrors.New("no config")}))
	require.NoError(t, ports.Register(&portDelegate{name: "webui", title: "Web UI", ports: []Binding{{BindIP: "10.0.0.5", Port: 443}}}))
	require.NoError(t, ports.Register(&portDelegate{name: "idle", title: "Idle"}))

	usage := ports.InUse(context.Background())
	require.Len(t, usage, 2)
	assert.Equal(t, "ssh", usage[0].Namespace)
	assert.Equal(t, "webui", usage[1].Namespace)

	ctx := context.Background()
	assert.Equal(t, errors.EEXIST, errors.ErrnoOf(ports.Check(ctx, "ftp", Binding{BindIP: "10.0.0.9", Port: 22})))
	assert.Equal(t, errors.EEXIST, errors.ErrnoOf(ports.Check(ctx, "ftp", Binding{BindIP: "0.0.0.0", Port: 443})))
	assert.NoError(t, ports.Check(ctx, "ftp", Binding{BindIP: "10.0.0.9", Port: 443}))
	assert.NoError(t, ports.Check(ctx, "ssh", Binding{BindIP: "0.0.0.0", Port: 22}))
}

func TestPluginsRegister(t *testing.T) {
	reg := registry.New()
	plugins := registry.NewPlugins(reg, nil)
	require.NoError(t, plugins.Add(NewCertificates(nil).Plugin()))
	require.NoError(t, plugins.Add(NewPorts(nil).Plugin()))

	d, ok := reg.Lookup("certificate.redeploy")
	require.True(t, ok)
	assert.Equal(t, registry.Job, d.Kind)
	assert.Equal(t, "certificate.redeploy:7", d.LockKey([]any{int64(7)}))

	d, ok = reg.Lookup("port.validate")
	require.True(t, ok)
	assert.Equal(t, registry.Private, d.Visibility)

	p := NewPorts(nil)
	require.NoError(t, p.Register(&portDelegate{name: "ssh", title: "SSH", ports: []Binding{{BindIP: "0.0.0.0", Port: 22}}}))
	validate := p.Plugin().Methods[1].Handler
	_, err := validate(context.Background(), &registry.CallContext{Internal: true}, []any{"ftp", int64(22), "0.0.0.0"})
	assert.Equal(t, errors.EEXIST, errors.ErrnoOf(err))
}
