package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral TCP port on loopback by binding then closing,
// same trick net/http/httptest uses, so Connect can listen on the exact
// address every other node was told about.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestConnectBuildsDeterministicFullMesh(t *testing.T) {
	const nNodes = 3
	ports := make([]int, nNodes)
	for i := range ports {
		ports[i] = freePort(t)
	}
	peers := make([]PeerAddr, nNodes)
	for i := range peers {
		peers[i] = PeerAddr{Host: "127.0.0.1", Port: ports[i]}
	}

	var wg sync.WaitGroup
	meshes := make([]Mesh, nNodes)
	errs := make([]error, nNodes)
	for n := 0; n < nNodes; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[n]))
			meshes[n], errs[n] = Connect(n, nNodes, addr, peers)
		}(n)
	}
	wg.Wait()

	for n := 0; n < nNodes; n++ {
		require.NoError(t, errs[n])
		require.Len(t, meshes[n], nNodes)
		for peer := 0; peer < nNodes; peer++ {
			if peer == n {
				assert.Nil(t, meshes[n][peer])
			} else {
				assert.NotNil(t, meshes[n][peer])
			}
		}
	}

	for _, m := range meshes {
		m.Close()
	}
}
