/*
Teal Mail Server - IMAP, POP3 and JMAP mailbox backend.
Copyright © 2025 The Teal Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package teal implements the server startup sequence: configuration
// reading, module registration and initialization, signal handling.
package teal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/hooks"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
	tealcli "github.com/tealmail/teal/internal/cli"

	// Import packages for side-effect of module registration.
	_ "github.com/tealmail/teal/internal/auth/memauth"
	_ "github.com/tealmail/teal/internal/endpoint/imap"
	_ "github.com/tealmail/teal/internal/endpoint/jmap"
	_ "github.com/tealmail/teal/internal/endpoint/openmetrics"
	_ "github.com/tealmail/teal/internal/endpoint/pop3"
	_ "github.com/tealmail/teal/internal/kv"
	_ "github.com/tealmail/teal/internal/storage/blob/fs"
	_ "github.com/tealmail/teal/internal/storage/blob/s3"
	_ "github.com/tealmail/teal/internal/storage/memstore"
)

// ConfigDirectory is the default location of teal.conf.
var ConfigDirectory = "/etc/teal"

func BuildInfo() string {
	version := config.Version
	if version == "go-build" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}

	return fmt.Sprintf(`%s %s/%s %s

default config: %s
default state_dir: %s
default runtime_dir: %s`,
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(),
		filepath.Join(ConfigDirectory, "teal.conf"),
		config.StateDirectory,
		config.RuntimeDirectory)
}

func init() {
	tealcli.AddGlobalFlag(
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"TEAL_CONFIG"},
			Value:   filepath.Join(ConfigDirectory, "teal.conf"),
		},
	)
	tealcli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging early",
		Destination: &log.DefaultLogger.Debug,
	})
	tealcli.AddSubcommand(&cli.Command{
		Name:   "run",
		Usage:  "Start the server",
		Action: Run,
	})
	tealcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println(BuildInfo())
			return nil
		},
	})
}

// Run is the entry point for all server-running code. It reads the
// configuration file and calls moduleMain to initialize and run modules.
func Run(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintln("usage:", os.Args[0], "run [options]"), 2)
	}

	f, err := os.Open(c.Path("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer f.Close()

	cfg, err := config.Read(f, c.Path("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	defer log.DefaultLogger.Out.Close()

	if err := moduleMain(cfg); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

// ReadGlobals processes top-level directives that are not module blocks
// and returns the remaining blocks together with the globals map that is
// inherited by module configurations.
func ReadGlobals(cfg []config.Node) (map[string]interface{}, []config.Node, error) {
	var hostname string
	globals := config.NewMap(nil, config.Node{Children: cfg})
	globals.String("state_dir", false, false, config.StateDirectory, &config.StateDirectory)
	globals.String("runtime_dir", false, false, config.RuntimeDirectory, &config.RuntimeDirectory)
	globals.String("hostname", false, false, "", &hostname)
	globals.Custom("tls", false, false, func() (interface{}, error) { return nil, nil },
		config.TLSDirective, func(interface{}) {})
	globals.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	return globals.Values, unknown, err
}

func moduleMain(cfg []config.Node) error {
	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}

	endpoints, mods, err := RegisterModules(globals, modBlocks)
	if err != nil {
		return err
	}

	if err := initModules(globals, endpoints, mods); err != nil {
		return err
	}

	log.Println("server started")
	handleSignals()
	log.Println("server is shutting down")

	hooks.RunHooks(hooks.EventShutdown)

	return nil
}

// ModInfo pairs a constructed module instance with its config block.
type ModInfo struct {
	Instance module.Module
	Cfg      config.Node
}

// RegisterModules constructs all modules named by configuration blocks
// without initializing them, so that cross-references between blocks
// resolve regardless of their order.
func RegisterModules(globals map[string]interface{}, nodes []config.Node) (endpoints, mods []ModInfo, err error) {
	mods = make([]ModInfo, 0, len(nodes))

	for _, block := range nodes {
		var instName string
		var modAliases []string
		if len(block.Args) == 0 {
			instName = block.Name
		} else {
			instName = block.Args[0]
			modAliases = block.Args[1:]
		}

		modName := block.Name

		if module.IsEndpoint(modName) {
			inst, err := module.NewEndpoint(modName, block.Args)
			if err != nil {
				return nil, nil, err
			}

			endpoints = append(endpoints, ModInfo{Instance: inst, Cfg: block})
			module.RegisterInstance(inst, config.NewMap(globals, block))
			continue
		}

		if module.HasInstance(instName) {
			return nil, nil, config.NodeErr(block, "config block named %s already exists", instName)
		}

		inst, err := module.New(modName, instName, nil)
		if err != nil {
			return nil, nil, config.NodeErr(block, "%v", err)
		}

		module.RegisterInstance(inst, config.NewMap(globals, block))
		for _, alias := range modAliases {
			if module.HasInstance(alias) {
				return nil, nil, config.NodeErr(block, "config block named %s already exists", alias)
			}
			module.RegisterAlias(alias, instName)
		}

		log.Debugf("%v:%v: register config block %v %v", block.File, block.Line, instName, modAliases)
		mods = append(mods, ModInfo{Instance: inst, Cfg: block})
	}

	if len(endpoints) == 0 {
		return nil, nil, fmt.Errorf("at least one endpoint should be configured")
	}

	return endpoints, mods, nil
}

// initModules initializes endpoints eagerly; other blocks are pulled in
// lazily through module.GetInstance when an endpoint references them.
func initModules(globals map[string]interface{}, endpoints, mods []ModInfo) error {
	for _, endp := range endpoints {
		if module.Initialized[endp.Instance.InstanceName()] {
			continue
		}
		module.Initialized[endp.Instance.InstanceName()] = true
		if err := endp.Instance.Init(config.NewMap(globals, endp.Cfg)); err != nil {
			return err
		}

		if closer, ok := endp.Instance.(io.Closer); ok {
			endp := endp
			hooks.AddHook(hooks.EventShutdown, func() {
				log.Debugf("close %s (%s)", endp.Instance.Name(), endp.Instance.InstanceName())
				if err := closer.Close(); err != nil {
					log.Printf("module %s (%s) close failed: %v", endp.Instance.Name(), endp.Instance.InstanceName(), err)
				}
			})
		}
	}

	for _, inst := range mods {
		if module.Initialized[inst.Instance.InstanceName()] {
			continue
		}

		return fmt.Errorf("unused configuration block at %s:%d - %s (%s)",
			inst.Cfg.File, inst.Cfg.Line, inst.Instance.InstanceName(), inst.Instance.Name())
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

// handleSignals returns after SIGINT or SIGTERM. SIGUSR1 triggers the
// log-rotate hook.
func handleSignals() {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		s := <-sig
		switch s {
		case syscall.SIGUSR1:
			log.Printf("signal received (%v), rotating logs", s)
			hooks.RunHooks(hooks.EventLogRotate)
		default:
			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			go func() {
				s := <-sig
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()
			return
		}
	}
}
