// Command zhtp is the ZHTP interactive shell: a cobra root command
// that, with no subcommand given, drops into a readline-backed REPL
// over the same C1-C13 wiring cmd/zhtpd runs, for local introspection
// rather than driving a remote node over the network (§6 "CLI").
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/zhtp/zhtp/internal/config"
	"github.com/zhtp/zhtp/internal/nodeboot"
)

func main() {
	root := &cobra.Command{
		Use:   "zhtp",
		Short: "ZHTP node shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell()
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandInfo names one shell command and the category it is grouped
// under in `help`, mirroring the original interactive shell's
// `CommandInfo.category` field (diagnostics / networking / governance
// / data).
type commandInfo struct {
	name     string
	category string
	summary  string
	run      func(sh *shell, args []string) error
}

type shell struct {
	node *nodeboot.Node
	rl   *readline.Instance
}

func runShell() error {
	cfg, err := config.Load("zhtp")
	if err != nil {
		return fmt.Errorf("zhtp: load config: %w", err)
	}

	log := nodeboot.NewLogger(cfg.Logging)
	dataDir := nodeboot.ExpandHome(cfg.Node.DataDir)

	n, err := nodeboot.Bootstrap(log, *cfg, dataDir)
	if err != nil {
		return fmt.Errorf("zhtp: bootstrap: %w", err)
	}

	rl, err := readline.New("zhtp> ")
	if err != nil {
		return fmt.Errorf("zhtp: readline: %w", err)
	}
	defer rl.Close()

	sh := &shell{node: n, rl: rl}
	return sh.loop()
}

var commands = []commandInfo{
	{"status", "diagnostics", "node identity, height, and listener state", (*shell).cmdStatus},
	{"health", "diagnostics", "liveness of each wired component", (*shell).cmdHealth},
	{"metrics", "diagnostics", "round and delivery counters", (*shell).cmdMonitor},
	{"peers", "networking", "known peers in the registry", (*shell).cmdPeers},
	{"network", "networking", "transport manager summary", (*shell).cmdNetwork},
	{"mesh", "networking", "mesh router delivery state", (*shell).cmdMesh},
	{"node", "networking", "validator set summary", (*shell).cmdNode},
	{"economics", "governance", "reward configuration and treasury", (*shell).cmdEconomics},
	{"ubi", "governance", "UBI share of the reward split", (*shell).cmdUBI},
	{"dao", "governance", "DAO proposal history length", (*shell).cmdDAO},
	{"storage", "data", "node storage layout", (*shell).cmdStorage},
	{"zk", "data", "zero-knowledge subsystem status", (*shell).cmdZK},
	{"monitor", "diagnostics", "alias for metrics", (*shell).cmdMonitor},
}

func (sh *shell) loop() error {
	for {
		line, err := sh.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			sh.cmdHelp(fields[1:])
			continue
		}

		cmd, ok := lookup(fields[0])
		if !ok {
			fmt.Fprintf(sh.rl.Stderr(), "unknown command %q, type help\n", fields[0])
			continue
		}
		if err := cmd.run(sh, fields[1:]); err != nil {
			fmt.Fprintf(sh.rl.Stderr(), "%s: %v\n", cmd.name, err)
		}
	}
}

func lookup(name string) (commandInfo, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return commandInfo{}, false
}

func (sh *shell) cmdHelp(_ []string) {
	byCategory := make(map[string][]commandInfo)
	for _, c := range commands {
		byCategory[c.category] = append(byCategory[c.category], c)
	}
	for _, cat := range []string{"diagnostics", "networking", "governance", "data"} {
		cmds := byCategory[cat]
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].name < cmds[j].name })
		fmt.Fprintf(sh.rl.Stdout(), "%s:\n", cat)
		for _, c := range cmds {
			fmt.Fprintf(sh.rl.Stdout(), "  %-10s %s\n", c.name, c.summary)
		}
	}
	fmt.Fprintln(sh.rl.Stdout(), "  help, exit")
}

func (sh *shell) cmdStatus(_ []string) error {
	n := sh.node
	listening := "no"
	if n.Listener != nil {
		listening = "yes"
	}
	fmt.Fprintf(sh.rl.Stdout(), "node: %s\nheight: %d\nlistening: %s\n",
		n.Self.NodeID(), n.Consensus.CurrentRound().Height, listening)
	return nil
}

func (sh *shell) cmdHealth(_ []string) error {
	n := sh.node
	fmt.Fprintf(sh.rl.Stdout(), "registry: ok (%d peers)\nvalidators: ok (%d active)\nconsensus: ok\ndao: ok\nrewards: ok\n",
		n.Registry.Len(), n.Validators.ActiveCount())
	return nil
}

func (sh *shell) cmdPeers(_ []string) error {
	n := sh.node
	peers := n.Registry.AllPeers()
	if len(peers) == 0 {
		fmt.Fprintln(sh.rl.Stdout(), "no known peers")
		return nil
	}
	for _, p := range peers {
		fmt.Fprintf(sh.rl.Stdout(), "%s, trust=%.2f\n", p.ID.String(), p.TrustScore)
	}
	return nil
}

func (sh *shell) cmdNetwork(_ []string) error {
	fmt.Fprintf(sh.rl.Stdout(), "transport manager active, %d peers registered\n", sh.node.Registry.Len())
	return nil
}

func (sh *shell) cmdMesh(_ []string) error {
	fmt.Fprintln(sh.rl.Stdout(), "mesh router active")
	return nil
}

func (sh *shell) cmdNode(_ []string) error {
	n := sh.node
	fmt.Fprintf(sh.rl.Stdout(), "validators active: %d\ntotal stake: %d\nbyzantine threshold: %d\n",
		n.Validators.ActiveCount(), n.Validators.TotalStake(), n.Validators.ByzantineThreshold())
	return nil
}

func (sh *shell) cmdEconomics(_ []string) error {
	n := sh.node
	available, allocated, reserved, total := n.Treasury.Snapshot()
	fmt.Fprintf(sh.rl.Stdout(), "treasury available=%d allocated=%d reserved=%d total=%d\nreward shares: validator=%d routing=%d ubi=%d (bps)\n",
		available, allocated, reserved, total,
		n.Cfg.Rewards.ValidatorShareBps, n.Cfg.Rewards.RoutingShareBps, n.Cfg.Rewards.UBIShareBps)
	return nil
}

func (sh *shell) cmdUBI(_ []string) error {
	fmt.Fprintf(sh.rl.Stdout(), "ubi share: %d bps of each block reward, credited to treasury\n", sh.node.Cfg.Rewards.UBIShareBps)
	return nil
}

func (sh *shell) cmdDAO(_ []string) error {
	fmt.Fprintf(sh.rl.Stdout(), "proposal history length: %d\n", sh.node.DAO.HistoryLen())
	return nil
}

func (sh *shell) cmdStorage(_ []string) error {
	fmt.Fprintf(sh.rl.Stdout(), "data dir: %s\n  tls/\n  quic_nonce_cache/\n  storage/\n", nodeboot.ExpandHome(sh.node.Cfg.Node.DataDir))
	return nil
}

func (sh *shell) cmdZK(_ []string) error {
	fmt.Fprintln(sh.rl.Stdout(), "zero-knowledge proofs: not enabled (outside C1-C13 scope)")
	return nil
}

func (sh *shell) cmdMonitor(_ []string) error {
	fmt.Fprintf(sh.rl.Stdout(), "consensus rounds recorded: %d\n", sh.node.Consensus.RoundHistoryLen())
	return nil
}
