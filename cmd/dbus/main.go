package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/dbus/v2"
	"github.com/kr/pretty"
	"github.com/rs/zerolog"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Address       string        `flag:"address,Connect to this DBus address instead of a well-known bus"`
	Config        string        `flag:"config,Read connection settings from this TOML file"`
	Names         string        `flag:"names,Comma-separated list of bus names to claim"`
	Timeout       time.Duration `flag:"timeout,Timeout for bus calls (default 10s)"`
	Verbose       bool          `flag:"v,Log connection activity to stderr"`
}

func logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if globalArgs.Verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "dbus").Logger()
}

func busConn(ctx context.Context) (*dbus.Conn, config, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, config{}, err
	}

	log := logger()
	opts := []dbus.Option{dbus.WithLogger(log)}
	var conn *dbus.Conn
	switch {
	case cfg.Address != "":
		conn, err = dbus.Dial(ctx, cfg.Address, opts...)
	case cfg.Session:
		conn, err = dbus.SessionBus(ctx, opts...)
	default:
		conn, err = dbus.SystemBus(ctx, opts...)
	}
	if err != nil {
		return nil, config{}, err
	}
	log.Debug().Str("name", conn.LocalName()).Msg("connected to bus")

	for _, n := range cfg.Names {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, config{}, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, cfg, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		Help:     "Inspect and talk to DBus peers.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "names",
				Usage: "names",
				Help:  "List names on the bus, with the unique name that owns each well-known name.",
				Run:   command.Adapt(runNames),
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Get a peer's owner and process credentials.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer [path]",
				Help:  "Print the introspection XML of an object. The default path is /.",
				Run:   runIntrospect,
			},
			{
				Name:  "list",
				Usage: "list [peer] [object] [interface]",
				Help: `List bus interfaces.

Each argument is a regular expression that filters peer names, object
paths and interface names respectively.

With no peer filter, all well-known names on the bus are listed.
Unique bus names (like ":1.234") are skipped unless explicitly
matched, because many of them do not expect to be sent RPCs and do
not respond correctly.

The full API for every interface is shown.
`,
				Run: runList,
			},
			{
				Name:  "props",
				Usage: "props peer path interface",
				Help:  "Print all properties of an interface.",
				Run:   command.Adapt(runProps),
			},
			{
				Name:  "get",
				Usage: "get peer path interface property",
				Help:  "Print one property of an interface.",
				Run:   command.Adapt(runGet),
			},
			{
				Name:  "set",
				Usage: "set peer path interface property value",
				Help:  "Set a property. The value is typed like a call argument.",
				Run:   command.Adapt(runSet),
			},
			{
				Name:  "call",
				Usage: "call peer path interface method [args...]",
				Help: `Call a method and print its reply.

Arguments are written as type:value, where type is a single basic type
code, for example i:42, b:true or o:/org/example. Untyped arguments are
sent as strings.`,
				Run: runCall,
			},
			{
				Name:     "listen",
				Usage:    "listen",
				Help:     "Listen to bus signals.",
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      command.Adapt(runListen),
			},
			{
				Name:  "serve",
				Usage: "serve",
				Help: `Serve a demo object tree.

The tree exports a counter object at ` + string(demoPath) + ` with an
ObjectManager at the root.

For best results, combine with --names to register a service name on
the bus that other tools can target.`,
				Run: command.Adapt(runServe),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func callContext(env *command.Env, cfg config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(env.Context(), cfg.Timeout)
}

func runNames(env *command.Env) error {
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)

	aliases := map[string][]string{}
	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}

	for _, n := range names {
		alias := aliases[n]
		if len(alias) == 0 {
			fmt.Println(n)
		} else {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	start := time.Now()
	if err := conn.Peer(peer).Ping(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s replied in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	owner, err := conn.GetNameOwner(ctx, peer)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", peer, err)
	}
	fmt.Println("Owner:", owner)
	if uid, err := conn.GetPeerUID(ctx, peer); err != nil {
		fmt.Println("UID: unknown:", err)
	} else {
		fmt.Println("UID:", uid)
	}
	if pid, err := conn.GetPeerPID(ctx, peer); err != nil {
		fmt.Println("PID: unknown:", err)
	} else {
		fmt.Println("PID:", pid)
	}
	return nil
}

func runIntrospect(env *command.Env) error {
	args := growTo(env.Args, 2)
	if args[0] == "" || len(env.Args) > 2 {
		return env.Usagef("introspect requires a peer and an optional path")
	}
	path := dbus.ObjectPath("/")
	if args[1] != "" {
		path = dbus.ObjectPath(args[1])
	}
	if err := path.Valid(); err != nil {
		return err
	}

	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	doc, err := conn.Peer(args[0]).Object(path).IntrospectXML(ctx)
	if err != nil {
		return fmt.Errorf("introspecting %s%s: %w", args[0], path, err)
	}
	fmt.Println(doc)
	return nil
}

// peerNames returns the bus names matching filter. An empty filter
// matches all well-known names.
func peerNames(ctx context.Context, conn *dbus.Conn, filter string) ([]string, error) {
	if filter == "" {
		filter = `^[^:].*`
	}
	f, err := regexp.Compile(filter)
	if err != nil {
		return nil, err
	}
	names, err := conn.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return slices.DeleteFunc(names, func(n string) bool { return !f.MatchString(n) }), nil
}

func runList(env *command.Env) error {
	if len(env.Args) > 3 {
		return env.Usagef("list takes at most three filters")
	}
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), 6*cfg.Timeout)
	defer cancel()

	names, err := peerNames(ctx, conn, args[0])
	if err != nil {
		return fmt.Errorf("listing peers: %w", err)
	}

	out := newIndenter()
	for i, name := range names {
		out.indent(0)
		if i > 0 {
			out.s("")
		}
		out.v(name)
		var prev dbus.ObjectPath
		for iface, err := range listInterfaces(ctx, conn.Peer(name), args[1], args[2]) {
			if err != nil {
				out.indent(1)
				out.v(err)
				continue
			}
			if p := iface.Object().Path(); p != prev {
				out.indent(1)
				out.v(p)
				prev = p
			}
			out.indent(2)
			out.v(iface.Description)
		}
	}
	return nil
}

func runProps(env *command.Env, peer, path, iface string) error {
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	props, err := conn.Peer(peer).Object(dbus.ObjectPath(path)).Interface(iface).GetAllProperties(ctx)
	if err != nil {
		return fmt.Errorf("listing properties of %s: %w", iface, err)
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		fmt.Printf("%s: %# v\n", k, pretty.Formatter(props[k]))
	}
	return nil
}

func runGet(env *command.Env, peer, path, iface, prop string) error {
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	v, err := conn.Peer(peer).Object(dbus.ObjectPath(path)).Interface(iface).GetProperty(ctx, prop)
	if err != nil {
		return fmt.Errorf("getting %s.%s: %w", iface, prop, err)
	}
	fmt.Printf("%# v\n", pretty.Formatter(v))
	return nil
}

func runSet(env *command.Env, peer, path, iface, prop, value string) error {
	v, err := parseArg(value)
	if err != nil {
		return env.Usagef("%v", err)
	}
	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	if err := conn.Peer(peer).Object(dbus.ObjectPath(path)).Interface(iface).SetProperty(ctx, prop, v); err != nil {
		return fmt.Errorf("setting %s.%s: %w", iface, prop, err)
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a peer, path, interface and method")
	}
	peer, path, iface, method := env.Args[0], dbus.ObjectPath(env.Args[1]), env.Args[2], env.Args[3]
	var args []any
	for _, a := range env.Args[4:] {
		v, err := parseArg(a)
		if err != nil {
			return env.Usagef("%v", err)
		}
		args = append(args, v)
	}

	conn, cfg, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := callContext(env, cfg)
	defer cancel()
	resp, err := conn.Peer(peer).Object(path).Interface(iface).Call(ctx, method, args...)
	if err != nil {
		var ce dbus.CallError
		if errors.As(err, &ce) {
			return fmt.Errorf("%s: %s", ce.Name, ce.Detail)
		}
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	for _, v := range resp {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

var listenArgs struct {
	Sender    string `flag:"sender,Only show signals from this sender"`
	Path      string `flag:"path,Only show signals from this object path and its children"`
	Interface string `flag:"interface,Only show signals of this interface"`
	Member    string `flag:"member,Only show signals with this name"`
}

func listenMatch() (*dbus.Match, error) {
	m := dbus.MatchAllSignals()
	if listenArgs.Sender != "" {
		m = m.Sender(listenArgs.Sender)
	}
	if listenArgs.Path != "" {
		p := dbus.ObjectPath(listenArgs.Path)
		if err := p.Valid(); err != nil {
			return nil, err
		}
		m = m.PathNamespace(p)
	}
	if listenArgs.Interface != "" {
		if err := dbus.ValidInterfaceName(listenArgs.Interface); err != nil {
			return nil, err
		}
		m = m.Interface(listenArgs.Interface)
	}
	if listenArgs.Member != "" {
		if err := dbus.ValidMemberName(listenArgs.Member); err != nil {
			return nil, err
		}
		m = m.Member(listenArgs.Member)
	}
	return m, nil
}

func runListen(env *command.Env) error {
	m, err := listenMatch()
	if err != nil {
		return env.Usagef("%v", err)
	}
	conn, _, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w, err := conn.Watch(env.Context(), m)
	if err != nil {
		return fmt.Errorf("watching signals: %w", err)
	}
	defer w.Close()

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case sig, ok := <-w.Chan():
			if !ok {
				return nil
			}
			fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(sig.Body))
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}
