package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/temoto/lorawan-node/cmd/lorawan-node/console"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/qr"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/run"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/subcmd"
	"github.com/temoto/lorawan-node/internal/state"
	"github.com/temoto/lorawan-node/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
	qr.Mod,
}

// set by -ldflags "-X main.BuildVersion=..."
var BuildVersion string = "unknown"

func main() {
	flagset := flag.NewFlagSet("lorawan-node", flag.ExitOnError)
	configPath := flagset.String("config", "lorawan-node.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: %s [option...] [command] [args]\n\nOptions:\n", os.Args[0])
		flagset.PrintDefaults()
		fmt.Fprintf(flagset.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %s\n", m.Name)
		}
	}
	_ = flagset.Parse(os.Args[1:])

	command, args := "run", flagset.Args()
	if len(args) != 0 {
		command, args = args[0], args[1:]
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	if err := mod.Main(ctx, config, args); err != nil {
		g.Fatal(err)
	}
}
