// Command homad is a standalone daemon that wires a homa.Instance to a UDP
// socket, for manual exercise of the receive-side core outside of unit
// tests. The real sender-side pacer/transmission engine and socket/bind
// layer are out of scope for the core (spec §1); this binary supplies the
// thinnest possible stand-ins for both so the core can be driven end to
// end, the same role `coordinator/cmd/coordinator/main.go` plays for the
// teacher's control plane.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	homa "github.com/homatransport/homa"
	"github.com/homatransport/homa/internal/bufpool"
	"github.com/homatransport/homa/internal/logging"
	"github.com/homatransport/homa/internal/ports"
	"github.com/homatransport/homa/internal/wire"
	"github.com/homatransport/homa/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Listen is the UDP address homad binds to.
	Listen string
	// SocketID is the local socket id packets are dispatched under.
	SocketID uint64
}

var rootCmd = &cobra.Command{
	Use:   "homad",
	Short: "Homa receive-side core daemon",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().StringVar(&cmd.Listen, "listen", "[::]:54321", "UDP address to bind the receive socket to")
	rootCmd.Flags().Uint64Var(&cmd.SocketID, "socket-id", 1, "Local socket id packets are dispatched under")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// udpPeerAddr adapts *net.UDPAddr to ports.PeerAddr.
type udpPeerAddr struct{ addr *net.UDPAddr }

func (p udpPeerAddr) String() string { return p.addr.IP.String() }

// noopOutbound is a stand-in for the out-of-scope sender-side pacer and
// transmission engine (spec §1, §6 "Outbound interface (consumed)"):
// homad has no peer to actually retransmit to, so it only logs intent.
type noopOutbound struct {
	log interface {
		Debugw(msg string, kv ...any)
	}
}

func (o noopOutbound) XmitControl(common wire.Header, typ wire.Type, header any, peer ports.PeerAddr) error {
	o.log.Debugw("xmit control (no-op)", "type", typ.String(), "peer", peer.String(), "senderId", common.SenderId)
	return nil
}

func (o noopOutbound) XmitData(rpcId uint64, peer ports.PeerAddr, retransmit bool) error {
	o.log.Debugw("xmit data (no-op)", "rpcId", rpcId, "peer", peer.String(), "retransmit", retransmit)
	return nil
}

func run(cmd Cmd) error {
	cfg, err := homa.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, level, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	log.Infow("starting homad", "listen", cmd.Listen, "level", level.Level())

	pool := bufpool.NewMemPool(int(cfg.BPageSize.Bytes()))
	inst := homa.New(*cfg, noopOutbound{log: log}, pool)
	sock := inst.CreateSocket(cmd.SocketID)

	addr, err := net.ResolveUDPAddr("udp", cmd.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind udp socket: %w", err)
	}
	defer conn.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return ingest(ctx, conn, inst, cmd.SocketID, log)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "err", err)
		sock.Shutdown()
		_ = conn.Close()
		return err
	})

	return wg.Wait()
}

// ingest is the dispatcher-facing ingestion loop: it reads raw UDP
// datagrams and feeds them to the core's Packet Dispatcher (spec §4.5).
// This stands in for the real socket/bind layer (spec §1, out of scope).
func ingest(ctx context.Context, conn *net.UDPConn, inst *homa.Instance, socketID uint64, log interface {
	Warnw(msg string, kv ...any)
}) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnw("udp read failed", "err", err)
			continue
		}

		if err := inst.Dispatch(buf[:n], udpPeerAddr{raddr}, socketID); err != nil {
			log.Warnw("dispatch failed", "err", err)
		}
	}
}
