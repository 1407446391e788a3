//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// CLISuite builds cmd/fabcomm once and drives it as separate processes over
// libfabric, the way a launcher would.
type CLISuite struct {
	suite.Suite
	repoRoot string
	binary   string
	provider string
}

func (s *CLISuite) SetupSuite() {
	if os.Getenv("FABCOMM_TEST_CLI") == "" {
		s.T().Skip("set FABCOMM_TEST_CLI=1 to run CLI integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
	s.provider = firstNonEmpty(os.Getenv("FABCOMM_INTEGRATION_PROVIDER"), "sockets")

	s.binary = filepath.Join(s.T().TempDir(), "fabcomm")
	build := exec.Command("go", "build", "-o", s.binary, "./cmd/fabcomm")
	build.Dir = root
	output, err := build.CombinedOutput()
	require.NoErrorf(s.T(), err, "build fabcomm:\n%s", output)
}

func (s *CLISuite) env(extra ...string) []string {
	env := append(os.Environ(),
		"FABCOMM_TRANSPORT_KIND=ofi",
		"FABCOMM_TRANSPORT_PROVIDER="+s.provider,
		"FABCOMM_CACHE_SIZE=65536",
		"FABCOMM_LOG_LEVEL=info",
	)
	if s.provider == "sockets" && os.Getenv("FI_SOCKETS_IFACE") == "" {
		env = append(env, "FI_SOCKETS_IFACE="+defaultLoopbackInterface())
	}
	return append(env, extra...)
}

func (s *CLISuite) command(ctx context.Context, env []string, args ...string) (*exec.Cmd, *bytes.Buffer) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = s.T().TempDir()
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	return cmd, &out
}

func (s *CLISuite) TestInProcessRanksOverOFI() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	cmd, out := s.command(ctx, s.env(), "pingpong", "--count", "50000", "--iters", "5")
	require.NoErrorf(s.T(), cmd.Run(), "pingpong failed:\n%s", out)
	require.Contains(s.T(), out.String(), "pingpong: 5 round trips of 200000 bytes")
}

func (s *CLISuite) TestGossipProcesses() {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	cluster := uuid.NewString()
	seedPort := pickServicePort()

	var cmds []*exec.Cmd
	var outs []*bytes.Buffer
	for rank := 0; rank < 2; rank++ {
		port := seedPort
		if rank > 0 {
			port = pickServicePort()
		}
		args := []string{"bench", "--group", "gossip", "--size", "2", "--rank", strconv.Itoa(rank), "--bytes", "300000", "--iters", "6"}
		if rank > 0 {
			args = append(args, "--seeds", "127.0.0.1:"+seedPort)
		}
		cmd, out := s.command(ctx, s.env(
			"FABCOMM_GROUP_CLUSTER_ID="+cluster,
			"FABCOMM_GROUP_BIND_ADDR=127.0.0.1",
			"FABCOMM_GROUP_BIND_PORT="+port,
		), args...)
		require.NoError(s.T(), cmd.Start())
		cmds = append(cmds, cmd)
		outs = append(outs, out)
	}
	for rank, cmd := range cmds {
		require.NoErrorf(s.T(), cmd.Wait(), "rank %d failed:\n%s", rank, outs[rank])
		require.Contains(s.T(), outs[rank].String(), fmt.Sprintf("rank %d:", rank))
	}
}

func (s *CLISuite) TestBootstrapFailureIsFatal() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd, out := s.command(ctx, s.env(
		"FABCOMM_GROUP_CLUSTER_ID="+uuid.NewString(),
		"FABCOMM_GROUP_BIND_ADDR=127.0.0.1",
		"FABCOMM_GROUP_BIND_PORT="+pickServicePort(),
		"FABCOMM_GROUP_JOIN_TIMEOUT=2s",
	), "pingpong", "--group", "gossip", "--size", "2", "--rank", "1", "--seeds", "127.0.0.1:"+pickServicePort())
	err := cmd.Run()
	require.Errorf(s.T(), err, "expected bootstrap failure:\n%s", out)
	require.Contains(s.T(), out.String(), "bootstrap failed")
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func defaultLoopbackInterface() string {
	if runtime.GOOS == "darwin" {
		return "lo0"
	}
	return "lo"
}

func pickServicePort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "0"
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func TestCLI(t *testing.T) {
	suite.Run(t, new(CLISuite))
}
