// loopchain-cli is a command-line client for a loopchaind node: node key
// management and operator calls on a channel.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/keystore"
	"github.com/stjordanis/loopchain/internal/rpc"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
)

const callTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	target := "127.0.0.1:9100"
	channel := config.DefaultChannel
	dataDir := config.DefaultDataDir()
	https := false

	// Scan for global flags before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			target = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			target = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--channel" && len(args) > 1:
			channel = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--channel="):
			channel = args[0][len("--channel="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--https":
			https = true
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.DataDir = dataDir
	node := rpcclient.New(rpcclient.Endpoint(target, rpcclient.APINode, channel, https))
	peer := rpcclient.NewPeerClient(target, channel, https, callTimeout)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "keygen":
		cmdKeygen(cmdArgs, cfg.KeyFile())
	case "keyinfo":
		cmdKeyInfo(cmdArgs, cfg.KeyFile())
	case "status":
		cmdStatus(peer)
	case "block":
		cmdBlock(peer, cmdArgs)
	case "peers":
		cmdPeers(node, channel)
	case "reset-leader":
		cmdResetLeader(node, channel, cmdArgs)
	case "reset-timer":
		cmdResetTimer(node, channel, cmdArgs)
	case "stop":
		cmdStop(node, channel, cmdArgs)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: loopchain-cli [global flags] <command> [flags]

Global flags:
  --rpc <host:port>   Node RPC target (default: 127.0.0.1:9100)
  --channel <name>    Channel (default: loopchain_default)
  --datadir <path>    Data directory (default: ~/.loopchain)
  --https             Use https for RPC calls

Commands:
  keygen [--out <file>]           Create a new encrypted node key
  keyinfo [--key <file>]          Show the peer id and public key of a key file
  status                          Show channel status
  block <height|last>             Show a block
  peers                           Show the channel's peer list
  reset-leader --leader <id> --height <n>
                                  Ask the node to switch leader
  reset-timer --key <timer>       Restart a channel timer
  stop [--message <text>]         Shut the channel down
`)
}

// ── keys ────────────────────────────────────────────────────────────────

func cmdKeygen(args []string, defaultPath string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", defaultPath, "Key file to create")
	fs.Parse(args)

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	key, err := keystore.Generate(*out, password, keystore.DefaultParams())
	if errors.Is(err, keystore.ErrKeyExists) {
		fatal("%v (remove it first to replace the key)", err)
	}
	if err != nil {
		fatal("generate key: %v", err)
	}
	defer key.Zero()

	fmt.Printf("Key created: %s\n", *out)
	fmt.Printf("Peer ID:     %s\n", key.PeerID())
	fmt.Printf("Public key:  %s\n", key.PublicKeyHex())
}

func cmdKeyInfo(args []string, defaultPath string) {
	fs := flag.NewFlagSet("keyinfo", flag.ExitOnError)
	path := fs.String("key", defaultPath, "Key file")
	fs.Parse(args)

	info, err := keystore.ReadInfo(*path)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Peer ID:     %s\n", info.PeerID)
	fmt.Printf("Public key:  %s\n", info.PublicKey)
	fmt.Printf("Created:     %s\n", info.CreatedAt.Format(time.RFC3339))
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(peer *rpcclient.PeerClient) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	st, err := peer.Status(ctx)
	if err != nil {
		fatal("node_GetStatus: %v", err)
	}

	role := "follower"
	if st.PeerType == "1" {
		role = "leader"
	}
	fmt.Printf("State:       %s\n", st.State)
	fmt.Printf("Peer ID:     %s\n", st.PeerID)
	fmt.Printf("Target:      %s\n", st.PeerTarget)
	fmt.Printf("Node type:   %s\n", st.NodeType)
	fmt.Printf("Role:        %s\n", role)
	fmt.Printf("Leader:      %s\n", st.LeaderID)
	fmt.Printf("Height:      %d\n", st.BlockHeight)
	fmt.Printf("Epoch:       %d (%d complaints)\n", st.EpochHeight, st.LeaderComplaint)
	fmt.Printf("Audience:    %d\n", st.Audience)
}

// ── block ───────────────────────────────────────────────────────────────

func cmdBlock(peer *rpcclient.PeerClient, args []string) {
	if len(args) < 1 {
		fatal("Usage: loopchain-cli block <height|last>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var (
		blk *block.Block
		err error
	)
	if args[0] == "last" {
		blk, err = peer.LastBlock(ctx)
	} else {
		height, perr := strconv.ParseInt(args[0], 10, 64)
		if perr != nil {
			fatal("invalid height %q", args[0])
		}
		blk, err = peer.BlockByHeight(ctx, height)
	}
	if err != nil {
		fatal("get block: %v", err)
	}
	if blk == nil || blk.Header == nil {
		fmt.Println("No blocks yet")
		return
	}

	fmt.Printf("Height:       %d\n", blk.Header.Height)
	fmt.Printf("Hash:         %s\n", blk.Hash())
	fmt.Printf("Prev:         %s\n", blk.Header.PrevHash)
	fmt.Printf("Merkle Root:  %s\n", blk.Header.MerkleRoot)
	fmt.Printf("Peer:         %s\n", blk.Header.PeerID)
	if blk.Header.NextLeader != "" {
		fmt.Printf("Next leader:  %s\n", blk.Header.NextLeader)
	}
	ts := time.UnixMicro(blk.Header.Timestamp).UTC()
	fmt.Printf("Timestamp:    %s\n", ts.Format("2006-01-02 15:04:05.000000 UTC"))
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
}

// ── operator calls ──────────────────────────────────────────────────────

func cmdPeers(node *rpcclient.Client, channel string) {
	var res rpcclient.ConnectPeerReply
	if err := node.Call("node_GetPeerList", rpc.ChannelParam{Channel: channel}, &res); err != nil {
		fatal("node_GetPeerList: %v", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, res.PeerList, "", "  "); err != nil {
		fatal("decode peer list: %v", err)
	}
	fmt.Println(out.String())
}

func cmdResetLeader(node *rpcclient.Client, channel string, args []string) {
	fs := flag.NewFlagSet("reset-leader", flag.ExitOnError)
	leader := fs.String("leader", "", "New leader peer id")
	height := fs.Int64("height", -1, "Block height the change applies from")
	fs.Parse(args)

	if *leader == "" || *height < 0 {
		fatal("Usage: loopchain-cli reset-leader --leader <id> --height <n>")
	}

	req := rpcclient.ResetLeaderRequest{Channel: channel, NewLeaderID: *leader, BlockHeight: *height}
	var res rpc.AckResult
	if err := node.Call("node_ResetLeader", req, &res); err != nil {
		fatal("node_ResetLeader: %v", err)
	}
	fmt.Printf("Leader reset to %s requested\n", *leader)
}

func cmdResetTimer(node *rpcclient.Client, channel string, args []string) {
	fs := flag.NewFlagSet("reset-timer", flag.ExitOnError)
	key := fs.String("key", "", "Timer key")
	fs.Parse(args)

	if *key == "" {
		fatal("Usage: loopchain-cli reset-timer --key <timer>")
	}

	var res rpc.ResetTimerResult
	if err := node.Call("node_ResetTimer", rpc.ResetTimerParam{Channel: channel, Key: *key}, &res); err != nil {
		fatal("node_ResetTimer: %v", err)
	}
	if !res.Reset {
		fmt.Printf("Timer %s is not running\n", res.Key)
		return
	}
	fmt.Printf("Timer %s reset\n", res.Key)
}

func cmdStop(node *rpcclient.Client, channel string, args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	message := fs.String("message", "", "Reason logged by the node")
	fs.Parse(args)

	var res rpc.AckResult
	if err := node.Call("node_Stop", rpc.StopParam{Channel: channel, Message: *message}, &res); err != nil {
		fatal("node_Stop: %v", err)
	}
	fmt.Printf("Channel %s stopping\n", channel)
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
