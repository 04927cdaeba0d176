package console

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawan-node/internal/node"
	"github.com/temoto/lorawan-node/internal/state"
	state_new "github.com/temoto/lorawan-node/internal/state/new"
)

func testGlobal(t *testing.T, root string) *state.Global {
	conf := ""
	if root != "" {
		conf = fmt.Sprintf("persist { disable = false root = %q }", root)
	}
	_, g, _ := state_new.NewTestContext(t, "", conf)
	return g
}

func TestExecLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line      string
		check     func(t testing.TB, s node.Settings)
		expectErr func(error) bool
	}{
		{"", nil, nil},
		{"help", nil, nil},
		{"list", nil, nil},
		{"get pDevNonce", nil, nil},
		{"export", nil, nil},
		{"set pDevNonce 77", func(t testing.TB, s node.Settings) { assert.Equal(t, uint32(77), s.DevNonce) }, nil},
		{"set pJoinEUI 0011223344556677", func(t testing.TB, s node.Settings) { assert.Equal(t, "0011223344556677", s.JoinEUI) }, nil},
		{"set pJoinEUI zz", nil, func(err error) bool { return err != nil }},
		{"set cDevEUI 0011223344556677", nil, errors.IsForbidden},
		{"get", nil, errors.IsNotValid},
		{"get nope", nil, errors.IsNotFound},
		{"save", nil, errors.IsNotSupported},
		{"reboot", nil, errors.IsNotFound},
	}
	for _, c := range cases {
		c := c
		t.Run(c.line, func(t *testing.T) {
			t.Parallel()
			g := testGlobal(t, "")
			err := execLine(g, c.line)
			if c.expectErr != nil {
				require.Error(t, err)
				assert.True(t, c.expectErr(err), "err=%v", err)
			} else {
				require.NoError(t, err)
			}
			if c.check != nil {
				c.check(t, g.Device.Snapshot())
			}
		})
	}
}

func TestSetPersisted(t *testing.T) {
	t.Parallel()

	root, err := ioutil.TempDir("", "lorawan-node-console-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	g := testGlobal(t, root)
	require.NoError(t, execLine(g, "set pDevNonce 500"))
	require.NoError(t, execLine(g, "set pAppKey ffeeddccbbaa99887766554433221100"))

	g2 := testGlobal(t, root)
	s := g2.Device.Snapshot()
	assert.Equal(t, uint32(500), s.DevNonce)
	assert.Equal(t, "FFEEDDCCBBAA99887766554433221100", s.AppKey)
	assert.Equal(t, "70B3D57ED0000000", s.JoinEUI)
	require.NoError(t, execLine(g2, "save"))
}
