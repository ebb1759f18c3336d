package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"polytun/internal/core"
	"polytun/internal/service"
	"polytun/internal/store"
)

var version = "dev"

// CLI is the top-level Kong struct.
type CLI struct {
	Config string `short:"c" default:"/etc/polytun/config.yaml" help:"Config file path."`
	Socket string `short:"s" help:"Control socket path (overrides config)."`

	Daemon     DaemonCmd     `cmd:"" help:"Run the tunnel daemon."`
	Connect    ConnectCmd    `cmd:"" help:"Connect a profile."`
	Disconnect DisconnectCmd `cmd:"" help:"Tear the active session down."`
	Status     StatusCmd     `cmd:"" help:"Show daemon state."`
	Shutdown   ShutdownCmd   `cmd:"" help:"Stop the daemon."`
	Profile    ProfileCmd    `cmd:"" help:"Manage tunnel profiles."`
	Version    VersionCmd    `cmd:"" help:"Print version."`
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("polytun"),
		kong.Description("polytun is a multi-transport local VPN client"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	if err != nil {
		panic(err)
	}

	ctx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run(&cli))
}

// loadConfig reads the config file, falling back to defaults when absent.
func loadConfig(cli *CLI) (core.Config, error) {
	cm := core.NewConfigManager(cli.Config)
	if err := cm.Load(); err != nil {
		return core.Config{}, err
	}
	cfg := cm.Get()
	if cli.Socket != "" {
		cfg.ControlSocket = cli.Socket
	}
	return cfg, nil
}

func client(cli *CLI) (*service.ControlClient, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, err
	}
	c := service.NewControlClient(cfg.ControlSocket)
	if !c.IsRunning() {
		return nil, fmt.Errorf("daemon not running (socket %s)", cfg.ControlSocket)
	}
	return c, nil
}

// ─── daemon ─────────────────────────────────────────────────────────

type DaemonCmd struct{}

func (d *DaemonCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	core.Log.Reconfigure(cfg.Logging)
	core.Log.Infof("Control", "polytun %s starting", version)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := service.New(cfg, st, service.DefaultDeps(cfg, st))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	svc.Wait(ctx)
	svc.Stop()
	core.Log.Infof("Control", "polytun stopped")
	return nil
}

// ─── session commands ───────────────────────────────────────────────

type ConnectCmd struct {
	ProfileID string `arg:"" help:"Profile id or name to connect."`
}

func (c *ConnectCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	st, err := cc.Connect(c.ProfileID)
	if st != nil {
		printStatus(st)
	}
	return err
}

type DisconnectCmd struct{}

func (d *DisconnectCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	st, err := cc.Disconnect()
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

type StatusCmd struct{}

func (s *StatusCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	st, err := cc.Status()
	if err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func printStatus(st *service.Status) {
	fmt.Printf("phase:    %s\n", st.Phase)
	if st.Profile != "" {
		fmt.Printf("profile:  %s\n", st.Profile)
	}
	if st.Message != "" {
		fmt.Printf("message:  %s\n", st.Message)
	}
	if st.Phase == "connected" {
		fmt.Printf("traffic:  rx %d B, tx %d B\n", st.RxBytes, st.TxBytes)
	}
}

type ShutdownCmd struct{}

func (s *ShutdownCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	return cc.Shutdown()
}

// ─── profile management ─────────────────────────────────────────────

type ProfileCmd struct {
	List ProfileListCmd `cmd:"" help:"List stored profiles."`
	Add  ProfileAddCmd  `cmd:"" help:"Add or update a profile."`
	Rm   ProfileRmCmd   `cmd:"" help:"Delete a profile."`
}

type ProfileListCmd struct{}

func (p *ProfileListCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	profiles, err := cc.ListProfiles()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("no profiles")
		return nil
	}
	for _, pr := range profiles {
		fmt.Printf("%-36s  %-12s  %-20s  %s\n", pr.ID, pr.Type, pr.Name, pr.Host)
	}
	return nil
}

type ProfileAddCmd struct {
	Name string `arg:"" help:"Display name."`
	Type string `required:"" help:"Tunnel type: quic, quic+ssh, dns, dns+ssh, ssh, doh."`
	Host string `required:"" help:"Server host (or tunnel domain for DNS types)."`

	Resolver  []string      `help:"Resolver ip:port (repeatable, DNS types)."`
	ProxyPort uint16        `default:"1080" help:"Base local proxy port."`
	ProxyUser string        `help:"Local SOCKS username."`
	ProxyPass string        `help:"Proxy/transport password."`
	SshUser   string        `help:"SSH username."`
	SshPass   string        `help:"SSH password."`
	DnsKey    string        `help:"DNS tunnel public key (64 hex chars)."`
	DohURL    string        `name:"doh-url" help:"DNS-over-HTTPS resolver URL."`
	Congest   string        `help:"Congestion control: bbr or brutal."`
	KeepAlive time.Duration `help:"Keep-alive interval."`
}

func (p *ProfileAddCmd) Run(cli *CLI) error {
	t, err := core.ParseTunnelType(p.Type)
	if err != nil {
		return err
	}
	profile := &core.TunnelProfile{
		Name:         p.Name,
		Type:         t,
		Host:         p.Host,
		Resolvers:    p.Resolver,
		ProxyPort:    p.ProxyPort,
		ProxyUser:    p.ProxyUser,
		ProxyPass:    p.ProxyPass,
		SSHUser:      p.SshUser,
		SSHPass:      p.SshPass,
		DNSPublicKey: p.DnsKey,
		DoHURL:       p.DohURL,
		Congestion:   p.Congest,
		KeepAlive:    p.KeepAlive,
	}
	cc, err := client(cli)
	if err != nil {
		return err
	}
	return cc.SaveProfile(profile)
}

type ProfileRmCmd struct {
	ID string `arg:"" help:"Profile id."`
}

func (p *ProfileRmCmd) Run(cli *CLI) error {
	cc, err := client(cli)
	if err != nil {
		return err
	}
	return cc.DeleteProfile(p.ID)
}

type VersionCmd struct{}

func (v *VersionCmd) Run(cli *CLI) error {
	fmt.Println("polytun", version)
	return nil
}
