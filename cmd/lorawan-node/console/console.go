// Interactive configuration editor over summary registry.
package console

import (
	"context"
	"fmt"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/lorawan-node/cmd/lorawan-node/subcmd"
	"github.com/temoto/lorawan-node/helpers/cli"
	"github.com/temoto/lorawan-node/internal/state"
	"github.com/temoto/lorawan-node/internal/summary"
	"github.com/temoto/lorawan-node/log2"
)

const modName = "console"

const usage = `syntax: command [args]
- list          show all items
- get NAME      show item value
- set NAME VAL  change writable item and save persistent subset
- save          write persistent subset to storage
- export        hexdump summary message as it would be sent
- log=yes|no    toggle debug logging
`

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("console init complete")

	cli.MainLoop(modName, newExecutor(ctx), newCompleter(ctx))
	return nil
}

func newCompleter(ctx context.Context) func(d prompt.Document) []prompt.Suggest {
	g := state.GetGlobal(ctx)
	items := g.Summary.Items(0)
	suggests := []prompt.Suggest{
		{Text: "list"}, {Text: "get"}, {Text: "set"}, {Text: "save"}, {Text: "export"},
	}
	for _, item := range items {
		s := prompt.Suggest{Text: item.Name, Description: fmt.Sprintf("id=%#02x", item.ID)}
		if item.Writable() {
			s.Description += " writable"
		}
		suggests = append(suggests, s)
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		if err := execLine(g, line); err != nil {
			g.Log.Errorf(errors.ErrorStack(err))
		}
	}
}

func execLine(g *state.Global, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	switch cmd := words[0]; cmd {
	case "help", "?":
		g.Log.Infof(usage)
	case "list":
		for _, item := range g.Summary.Items(0) {
			g.Log.Infof("%#02x %-14s %v%s", item.ID, item.Name, item.Get(), flags(&item))
		}
	case "get":
		if len(words) != 2 {
			return errors.NotValidf("usage: get NAME")
		}
		v, err := g.Summary.Get(words[1])
		if err != nil {
			return err
		}
		g.Log.Infof("%s=%v", words[1], v)
	case "set":
		if len(words) != 3 {
			return errors.NotValidf("usage: set NAME VALUE")
		}
		if err := g.Summary.Set(words[1], words[2]); err != nil {
			return err
		}
		item, _ := g.Summary.Lookup(words[1])
		if item.Subsets&summary.SubsetNVM != 0 {
			return errors.Annotate(g.Persist.Store(), "save")
		}
	case "save":
		if !g.Persist.Enabled() {
			return errors.NotSupportedf("persist disabled by config")
		}
		return g.Persist.Store()
	case "export":
		maxLen := g.Config.MaxLen()
		b, err := g.Summary.ExportSummary(maxLen)
		if err != nil {
			return err
		}
		g.Log.Hexdump(log2.LInfo, b, fmt.Sprintf("summary max_len=%d", maxLen))
	case "log=yes":
		g.Log.SetLevel(log2.LDebug)
	case "log=no":
		g.Log.SetLevel(log2.LInfo)
	default:
		return errors.NotFoundf("command=%s, see help", cmd)
	}
	return nil
}

func flags(item *summary.Item) string {
	s := ""
	if item.Writable() {
		s += " w"
	}
	if item.Subsets&summary.SubsetNVM != 0 {
		s += " nvm"
	}
	return s
}
