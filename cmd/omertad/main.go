// Command omertad is the mesh node daemon: it generates and joins
// networks, runs the UDP transport and its attendant services, and exposes
// a local admin socket for introspection. Subcommand dispatch and flag
// shapes follow the teacher's own root-level main.go, trimmed to this
// module's init/join/status/rotate-identity lifecycle.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/omerta-mesh/core/pkg/bootstrap"
	"github.com/omerta-mesh/core/pkg/channel"
	"github.com/omerta-mesh/core/pkg/control"
	"github.com/omerta-mesh/core/pkg/identity"
	"github.com/omerta-mesh/core/pkg/meshcfg"
	"github.com/omerta-mesh/core/pkg/nat"
	"github.com/omerta-mesh/core/pkg/netkey"
	"github.com/omerta-mesh/core/pkg/pathfail"
	"github.com/omerta-mesh/core/pkg/peerstore"
	"github.com/omerta-mesh/core/pkg/services/cloister"
	"github.com/omerta-mesh/core/pkg/services/health"
	"github.com/omerta-mesh/core/pkg/services/message"
	"github.com/omerta-mesh/core/pkg/telemetry"
	"github.com/omerta-mesh/core/pkg/transport"
	"github.com/omerta-mesh/core/pkg/wire"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("omertad " + version)
	case "init":
		initCmd()
	case "join":
		joinCmd()
	case "status":
		statusCmd()
	case "rotate-identity":
		rotateIdentityCmd()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`omertad - decentralized mesh networking daemon

SUBCOMMANDS:
  init --name <network-name> [--bootstrap host:port,...]
                                  Generate a new network invite
  join --invite <INVITE-URL>      Join a network and run the daemon
       [--home <dir>]             State directory (default ~/.omerta/mesh)
       [--listen-port <port>]     UDP listen port (default 47800)
       [--log-level <level>]      debug, info, warn, error
       [--otlp-endpoint <addr>]   OTLP collector, enables OTel export
       [--socket-path <path>]     Admin socket path (default <home>/admin.sock)
       [--min-healthy-peers <n>]  Peers required to report healthy (default 1)
       [--directory-url <url>]    Central directory service to supplement bootstrap
       [--dht-rendezvous]         Supplement bootstrap via BitTorrent DHT (default true)
  status [--home <dir>] [--socket-path <path>]
                                  Query a running daemon over its admin socket
  rotate-identity --network-id <id>
                                  Replace this node's Ed25519 keypair for a network

EXAMPLES:
  omertad init --name home-mesh
  omertad join --invite "omerta://join/..."
  omertad status
  omertad rotate-identity --network-id a1b2c3d4e5f6a1b2c3d4`)
}

func initCmd() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	name := fs.String("name", "", "Network name (required)")
	bootstrapEndpoints := fs.String("bootstrap", "", "Comma-separated bootstrap endpoints")
	fs.Parse(os.Args[2:])

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		os.Exit(1)
	}

	var endpoints []string
	if *bootstrapEndpoints != "" {
		for _, ep := range strings.Split(*bootstrapEndpoints, ",") {
			endpoints = append(endpoints, strings.TrimSpace(ep))
		}
	}

	nk, err := netkey.Generate(*name, endpoints)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate network key: %v\n", err)
		os.Exit(1)
	}
	uri, err := nk.InviteURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode invite: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Generated network invite:")
	fmt.Println()
	fmt.Println(uri)
	fmt.Println()
	fmt.Println("Share this with every node that should join the network.")
	fmt.Printf("Run: omertad join --invite %q\n", uri)
}

func joinCmd() {
	fs := flag.NewFlagSet("join", flag.ExitOnError)
	invite := fs.String("invite", "", "Network invite URL (required)")
	homeDir := fs.String("home", "", "State directory")
	listenPort := fs.Int("listen-port", meshcfg.DefaultMeshPort, "UDP listen port")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP collector endpoint")
	socketPath := fs.String("socket-path", "", "Admin socket path (auto-detected if empty)")
	minHealthyPeers := fs.Int("min-healthy-peers", 1, "Peers required to report healthy")
	directoryURL := fs.String("directory-url", "", "Central directory service URL")
	useDHT := fs.Bool("dht-rendezvous", true, "Supplement bootstrap with BitTorrent DHT rendezvous")
	fs.Parse(os.Args[2:])

	if *invite == "" {
		fmt.Fprintln(os.Stderr, "Error: --invite is required")
		fmt.Fprintln(os.Stderr, "Usage: omertad join --invite <INVITE-URL>")
		os.Exit(1)
	}

	nk, err := netkey.ParseInviteURL(*invite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse invite: %v\n", err)
		os.Exit(1)
	}

	cfg, err := meshcfg.NewMeshConfig(meshcfg.Options{
		NetworkName:  nk.Name,
		HomeDir:      *homeDir,
		ListenPort:   *listenPort,
		LogLevel:     *logLevel,
		OTLPEndpoint: *otlpEndpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build config: %v\n", err)
		os.Exit(1)
	}
	cfg.HomeDir = resolveHomeDir(cfg.HomeDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	}
	shutdownTelemetry, err := telemetry.Init(ctx, "omertad", version, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init telemetry: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	logger := slog.Default().With("network", nk.Name)

	if err := runDaemon(ctx, cfg, nk, *socketPath, *minHealthyPeers, *directoryURL, *useDHT, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

type daemonState struct {
	startedAt time.Time
	selfID    identity.PeerID
	store     *peerstore.Store
	predictor *nat.Predictor
	reporter  *pathfail.Reporter
	cfg       meshcfg.MeshConfig
}

func runDaemon(ctx context.Context, cfg meshcfg.MeshConfig, nk netkey.NetworkKey, socketPath string, minHealthyPeers int, directoryURL string, useDHT bool, logger *slog.Logger) error {
	networkID := nk.NetworkID()

	identityPath, err := identity.DefaultPath()
	if err != nil {
		return err
	}
	keypair, err := identity.NewStore(identityPath).GetOrCreate(networkID)
	if err != nil {
		return fmt.Errorf("omertad: load identity: %w", err)
	}
	selfID := keypair.PeerID()
	logger = logger.With("peer_id", selfID)

	store, err := peerstore.Open(networkID)
	if err != nil {
		return fmt.Errorf("omertad: open peer store: %w", err)
	}

	predictor := nat.NewPredictor("")
	if localEndpoint, err := nat.DiscoverLocalEndpoint(ctx, cfg.ListenPort); err == nil {
		predictor.SetLocalEndpoint(localEndpoint)
	} else {
		logger.Debug("stun discovery failed", "error", err)
	}

	networkKeys, err := wire.DeriveNetworkKeys(nk.Key, nk.NetworkHash())
	if err != nil {
		return fmt.Errorf("omertad: derive network keys: %w", err)
	}

	machineID := uuid.NewString()
	tp, err := transport.New(transport.Config{ListenPort: cfg.ListenPort}, selfID, keypair, machineID, networkKeys, store, predictor, logger)
	if err != nil {
		return fmt.Errorf("omertad: start transport: %w", err)
	}
	defer tp.Close()

	mux := channel.New(selfID, tp)
	tp.SetDispatcher(mux)

	router := pathfail.NewRouter(pathfailSeed(nk))
	reporter := pathfail.NewReporter(selfID, pathfail.DefaultConfig(), router, tp)
	tp.SetPathFailHandler(func(ctx context.Context, report pathfail.Report) error {
		return reporter.HandleInbound(ctx, time.Now(), report)
	})
	go reporter.EpochRotationLoop(ctx, func() []pathfail.PeerInfo { return peerInfosForRouter(store) })
	go forgetExpiredLoop(ctx, reporter, tp, store, logger)
	go gossipLoop(ctx, tp, store, selfAnnouncement(keypair, nk))

	startedAt := time.Now()
	healthSvc := health.NewService(mux, func() health.Metrics {
		return health.Metrics{StartedAt: startedAt, PeerCount: store.Count(), MinHealthyPeers: minHealthyPeers}
	})
	defer healthSvc.Close()

	messageSvc := message.NewService(mux, true, func(msg message.Message) {
		logger.Info("message received", "from", msg.From)
	})
	defer messageSvc.Close()

	cloisterSvc := cloister.NewService(mux,
		func(peer identity.PeerID, contextLabel string, sessionKey [32]byte) {
			logger.Info("cloister session negotiated", "peer", peer, "context", contextLabel)
		},
		func(peer identity.PeerID, invite []byte) {
			logger.Info("cloister invite received", "peer", peer, "bytes", len(invite))
		},
	)
	defer cloisterSvc.Close()

	tp.Start(ctx)

	bootCfg := bootstrap.DefaultConfig()
	bootCfg.HardcodedEndpoints = nk.BootstrapEndpoints
	bootCfg.UsePersistedPeers = true
	bootCfg.DirectoryURL = directoryURL
	bootCfg.DirectoryNetworkID = networkID
	if useDHT {
		bootCfg.RendezvousID = nk.RendezvousID()
		bootCfg.RendezvousPort = cfg.ListenPort
	}
	if directoryURL != "" {
		if err := bootstrap.NewDirectoryClient(directoryURL).Register(ctx, networkID, selfAnnouncement(keypair, nk)); err != nil {
			logger.Warn("directory registration failed", "error", err)
		}
	}

	results, err := bootstrap.Bootstrap(ctx, bootCfg, tp, store.AllPeers())
	if err != nil {
		logger.Warn("bootstrap found no live peers yet", "error", err)
	}
	for _, r := range results {
		logger.Info("bootstrap peer confirmed live", "peer_id", r.PeerID, "endpoint", r.Endpoint)
		ann := peerstore.PeerAnnouncement{PeerID: r.PeerID, Paths: []peerstore.ReachabilityPath{peerstore.DirectPath(r.Endpoint)}, CreatedAt: time.Now()}
		_ = store.Update(time.Now(), ann, "bootstrap")
	}

	state := &daemonState{startedAt: startedAt, selfID: selfID, store: store, predictor: predictor, reporter: reporter, cfg: cfg}

	if socketPath == "" {
		socketPath = control.DefaultSocketPath(cfg.HomeDir)
	}
	ctrl, err := control.NewServer(control.ServerConfig{
		SocketPath:        socketPath,
		Version:           version,
		Logger:            logger,
		GetPeers:          func() []control.PeerInfo { return controlPeers(store) },
		GetPeerCounts:     func() (int, int) { return countPeers(store) },
		GetStatus:         func() control.DaemonStatusResult { return controlStatus(state, cfg) },
		GetRecentFailures: func() []control.PathFailureInfo { return nil },
	})
	if err != nil {
		return fmt.Errorf("omertad: start control server: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("omertad: control server start: %w", err)
	}
	defer ctrl.Stop()

	logger.Info("daemon running", "listen_port", tp.LocalPort(), "socket", socketPath)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// gossipInterval matches wgmesh's MeshGossip.GossipInterval so peer lists
// propagate at the same cadence peers there already tolerate.
const gossipInterval = 10 * time.Second

// gossipFanout bounds how many peers each round's peer list is pushed to.
const gossipFanout = 3

// gossipLoop periodically pushes this node's own announcement plus every
// announcement it has learned to a random subset of its known peers, so
// peer knowledge propagates through the mesh beyond point-to-point
// FindPeer lookups. Grounded on wgmesh's `pkg/discovery/gossip.go`
// MeshGossip.gossipLoop, replayed over the envelope transport's existing
// mesh-peer-list channel.
func gossipLoop(ctx context.Context, tp *transport.Transport, store *peerstore.Store, self wire.SignedAnnouncement) {
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		targets := randomPeerSample(store.AllPeers(), gossipFanout)
		if len(targets) == 0 {
			continue
		}
		peers := append([]wire.SignedAnnouncement{self}, tp.KnownAnnouncements()...)
		for _, target := range targets {
			_ = tp.SendPeerList(ctx, target, peers)
		}
	}
}

func randomPeerSample(all []peerstore.StoredPeer, n int) []identity.PeerID {
	if len(all) == 0 {
		return nil
	}
	idx := rand.Perm(len(all))
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]identity.PeerID, 0, n)
	for _, i := range idx[:n] {
		out = append(out, all[i].Announcement.PeerID)
	}
	return out
}

func pathfailSeed(nk netkey.NetworkKey) [32]byte {
	return sha256.Sum256(append([]byte("omerta-pathfail-seed-v1"), nk.Key[:]...))
}

func selfAnnouncement(kp identity.Keypair, nk netkey.NetworkKey) wire.SignedAnnouncement {
	var pub [32]byte
	copy(pub[:], kp.Public)
	ann := wire.SignedAnnouncement{
		PeerID:      string(kp.PeerID()),
		PublicKey:   pub,
		Endpoints:   nk.BootstrapEndpoints,
		CreatedAtMs: time.Now().UnixMilli(),
		TTLSeconds:  wire.DefaultAnnouncementTTLSeconds,
	}
	_ = wire.SignAnnouncement(&ann, kp.Private)
	return ann
}

func peerInfosForRouter(store *peerstore.Store) []pathfail.PeerInfo {
	all := store.AllPeers()
	out := make([]pathfail.PeerInfo, 0, len(all))
	for _, sp := range all {
		out = append(out, pathfail.PeerInfo{ID: string(sp.Announcement.PeerID)})
	}
	return out
}

func forgetExpiredLoop(ctx context.Context, reporter *pathfail.Reporter, tp *transport.Transport, store *peerstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reporter.ForgetExpired(time.Now())
			tp.ForgetReplayed(time.Now())
			if _, err := store.CleanupStale(time.Now(), peerstore.DefaultAnnouncementTTL); err != nil {
				logger.Warn("peerstore cleanup failed", "error", err)
			}
		}
	}
}

func controlPeers(store *peerstore.Store) []control.PeerInfo {
	all := store.AllPeers()
	out := make([]control.PeerInfo, 0, len(all))
	for _, sp := range all {
		var endpoints []string
		for _, p := range sp.Announcement.Paths {
			if p.Kind == peerstore.ReachabilityDirect {
				endpoints = append(endpoints, p.Endpoint)
			}
		}
		out = append(out, control.PeerInfo{
			PeerID:          string(sp.Announcement.PeerID),
			Endpoints:       endpoints,
			DiscoveryMethod: sp.DiscoveryMethod,
			ReliabilityPct:  sp.Reliability.Score() * 100,
			LastUpdated:     sp.LastUpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func countPeers(store *peerstore.Store) (active, total int) {
	all := store.AllPeers()
	total = len(all)
	now := time.Now()
	for _, sp := range all {
		if !sp.IsStale(now, 10*time.Minute) {
			active++
		}
	}
	return active, total
}

func controlStatus(state *daemonState, cfg meshcfg.MeshConfig) control.DaemonStatusResult {
	return control.DaemonStatusResult{
		NetworkName: cfg.NetworkName,
		PeerID:      string(state.selfID),
		ListenPort:  cfg.ListenPort,
		Uptime:      time.Since(state.startedAt),
	}
}

func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	homeDir := fs.String("home", meshcfg.DefaultHomeDirName, "State directory")
	socketPath := fs.String("socket-path", "", "Admin socket path (auto-detected if empty)")
	fs.Parse(os.Args[2:])

	path := *socketPath
	if path == "" {
		path = control.DefaultSocketPath(resolveHomeDir(*homeDir))
	}

	client, err := control.NewClient(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is omertad running? Start with: omertad join --invite <URL>")
		fmt.Fprintf(os.Stderr, "Socket path: %s\n", path)
		os.Exit(1)
	}
	defer client.Close()

	var status control.DaemonStatusResult
	if err := client.Call("daemon.status", nil, &status); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}
	var counts control.PeersCountResult
	if err := client.Call("peers.count", nil, &counts); err != nil {
		fmt.Fprintf(os.Stderr, "RPC error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Daemon Status")
	fmt.Println("=============")
	fmt.Printf("Network:  %s\n", status.NetworkName)
	fmt.Printf("Peer ID:  %s\n", status.PeerID)
	fmt.Printf("Port:     %d\n", status.ListenPort)
	fmt.Printf("Uptime:   %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Version:  %s\n", status.Version)
	fmt.Println()
	fmt.Printf("Peers:    %d active / %d total\n", counts.Active, counts.Total)
}

func rotateIdentityCmd() {
	fs := flag.NewFlagSet("rotate-identity", flag.ExitOnError)
	networkID := fs.String("network-id", "", "Network id to rotate the identity for (required)")
	fs.Parse(os.Args[2:])

	if *networkID == "" {
		fmt.Fprintln(os.Stderr, "Error: --network-id is required")
		os.Exit(1)
	}

	identityPath, err := identity.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve identity store: %v\n", err)
		os.Exit(1)
	}
	kp, err := identity.NewStore(identityPath).Rotate(*networkID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Identity rotated.")
	fmt.Printf("New peer id: %s\n", kp.PeerID())
	fmt.Println()
	fmt.Println("Peers that pinned your old peer id will need to re-discover you.")
}

// resolveHomeDir anchors a relative state directory (meshcfg's default is
// bare ".omerta/mesh") under the user's home directory, the way
// identity.DefaultPath and peerstore.NetworksDir already do for their own
// fixed paths. An absolute dir is left untouched.
func resolveHomeDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir)
}
