package orchestrator

import (
	"os"
	"testing"

	"github.com/misterdjules/tlscompat/internal/agent"
)

// agentEnv makes the test binary behave as the agent subcommand, so exec
// tests spawn real agent processes without a separately built binary.
const agentEnv = "TLSCOMPAT_TEST_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(agentEnv) == "1" && len(os.Args) > 1 && os.Args[1] == AgentSubcommand {
		os.Exit(agent.Main(os.Args[2:], os.Stderr))
	}
	os.Exit(m.Run())
}
