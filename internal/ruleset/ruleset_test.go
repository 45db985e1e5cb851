package ruleset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ratelimitd/limitador/internal/limit"
)

const sampleYAML = `
limits:
  - namespace: messages_namespace
    max: 10
    seconds: 60
    conditions: ["descriptors[0]['req.method'] == 'GET'"]
    variables: ["descriptors[0]['app.id']"]
`

func TestParseSampleRuleset(t *testing.T) {
	limits, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.Equal(t, "messages_namespace", limits[0].Namespace)
	require.EqualValues(t, 10, limits[0].Max)
	require.EqualValues(t, 60, limits[0].Seconds)
}

func TestParseRejectsMissingNamespace(t *testing.T) {
	_, err := Parse([]byte("limits:\n  - max: 1\n    seconds: 1\n"))
	require.Error(t, err)
}

type fakeRegistrar struct {
	registered []limit.Limit
}

func (f *fakeRegistrar) RegisterLimit(ctx context.Context, l limit.Limit) error {
	f.registered = append(f.registered, l)
	return nil
}

func TestLoadIntoRegistersAllLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	reg := &fakeRegistrar{}
	require.NoError(t, LoadInto(context.Background(), path, reg))
	require.Len(t, reg.registered, 1)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	old := debounceReload
	debounceReload = 0
	defer func() { debounceReload = old }()

	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	reg := &fakeRegistrar{}
	w := NewWatcher(path, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	require.Eventually(t, func() bool { return len(reg.registered) >= 1 }, time.Second, 10*time.Millisecond)

	updated := sampleYAML + "  - namespace: second_namespace\n    max: 1\n    seconds: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		for _, l := range reg.registered {
			if l.Namespace == "second_namespace" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
