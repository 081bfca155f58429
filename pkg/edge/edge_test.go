package edge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsfleet/opsfleet/pkg/transport"
	"github.com/opsfleet/opsfleet/pkg/types"
)

type fakeExecer struct {
	inspectExitCode int
	inspectStdout   string
	calls           [][]string
}

func (f *fakeExecer) Exec(ctx context.Context, worker *types.Worker, command []string) (transport.Result, error) {
	f.calls = append(f.calls, command)
	if len(command) >= 3 && command[2] == "inspect" {
		return transport.Result{ExitCode: f.inspectExitCode, Stdout: f.inspectStdout}, nil
	}
	return transport.Result{ExitCode: 0}, nil
}

type fakeDNS struct {
	upserts []string
	deletes []string
}

func (f *fakeDNS) Upsert(ctx context.Context, subdomain, previewSubdomain, workerAddr string) error {
	f.upserts = append(f.upserts, subdomain)
	return nil
}

func (f *fakeDNS) Delete(ctx context.Context, subdomain, previewSubdomain string) error {
	f.deletes = append(f.deletes, subdomain)
	return nil
}

func testWorker() *types.Worker {
	return &types.Worker{ID: "w-1", Address: "10.0.0.1:22"}
}

func TestEnsureEdgeSkipsWhenUpToDate(t *testing.T) {
	fx := &fakeExecer{inspectExitCode: 0, inspectStdout: "DISCOVERY_ENDPOINT=consul://v3"}
	r := New(fx, &fakeDNS{}, "apps.example.com", "consul://v3")

	recreated, err := r.EnsureEdge(context.Background(), testWorker())
	require.NoError(t, err)
	require.False(t, recreated)
	require.Len(t, fx.calls, 1) // inspect only
}

func TestEnsureEdgeRecreatesWhenMissing(t *testing.T) {
	fx := &fakeExecer{inspectExitCode: 1}
	r := New(fx, &fakeDNS{}, "apps.example.com", "consul://v3")

	recreated, err := r.EnsureEdge(context.Background(), testWorker())
	require.NoError(t, err)
	require.True(t, recreated)
	require.Len(t, fx.calls, 2) // inspect, create (no rm since it was absent)
}

func TestEnsureEdgeRecreatesWhenDiscoveryStale(t *testing.T) {
	fx := &fakeExecer{inspectExitCode: 0, inspectStdout: "DISCOVERY_ENDPOINT=consul://v1"}
	r := New(fx, &fakeDNS{}, "apps.example.com", "consul://v3")

	recreated, err := r.EnsureEdge(context.Background(), testWorker())
	require.NoError(t, err)
	require.True(t, recreated)
	require.Len(t, fx.calls, 3) // inspect, rm, create
	require.Equal(t, "rm", fx.calls[1][2])
}

func TestPublishAndWithdrawHosts(t *testing.T) {
	dns := &fakeDNS{}
	r := New(&fakeExecer{}, dns, "apps.example.com", "consul://v3")

	require.NoError(t, r.PublishHosts(context.Background(), "acme", testWorker()))
	require.Equal(t, []string{"acme"}, dns.upserts)

	require.NoError(t, r.WithdrawHosts(context.Background(), "acme"))
	require.Equal(t, []string{"acme"}, dns.deletes)
}

func TestCreateCommandIncludesHeaderLabels(t *testing.T) {
	r := New(&fakeExecer{}, &fakeDNS{}, "apps.example.com", "consul://v3")
	cmd := r.createCommand()

	joined := ""
	for _, c := range cmd {
		joined += c + " "
	}
	require.Contains(t, joined, "X-Frame-Options")
	require.Contains(t, joined, "Content-Security-Policy")
	require.Contains(t, joined, "frame-ancestors self https://apps.example.com https://*.apps.example.com")
}
